package logs

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newQuiet(maxSize int, level Level) *Logger {
	return NewLogger(maxSize, level, WithOutput(io.Discard))
}

func TestLogger(t *testing.T) {
	t.Run("LevelFiltering", func(t *testing.T) {
		logger := newQuiet(10, INFO)
		logger.Debug("should not be logged")
		logger.Info("should be logged")
		logger.Warn("should be logged")
		logger.Error("should be logged")

		entries := logger.GetLast(10)
		assert.Len(t, entries, 3, "Logger should have ignored DEBUG but kept INFO, WARN, and ERROR")
		assert.Equal(t, INFO, entries[0].Level)
		assert.Equal(t, WARN, entries[1].Level)
		assert.Equal(t, ERROR, entries[2].Level)
	})

	t.Run("RingBufferBehavior", func(t *testing.T) {
		logger := newQuiet(2, DEBUG)

		logger.Info("first")
		logger.Info("second")
		logger.Info("third")

		entries := logger.GetLast(10)
		assert.Len(t, entries, 2, "Logger should only keep maxSize entries")
		assert.Equal(t, "second", entries[0].Message)
		assert.Equal(t, "third", entries[1].Message)
	})

	t.Run("ConcurrentLogging", func(t *testing.T) {
		logger := newQuiet(100, DEBUG)
		var wg sync.WaitGroup
		numLogs := 50

		for i := 0; i < numLogs; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				logger.Info("concurrent log " + strconv.Itoa(i))
			}(i)
		}
		wg.Wait()

		assert.Len(t, logger.GetLast(100), numLogs)
	})

	t.Run("GetLastBoundaries", func(t *testing.T) {
		logger := newQuiet(10, DEBUG)
		logger.Info("msg1")
		logger.Info("msg2")
		logger.Info("msg3")

		assert.Len(t, logger.GetLast(10), 3)
		assert.Len(t, logger.GetLast(3), 3)

		lastTwo := logger.GetLast(2)
		assert.Len(t, lastTwo, 2)
		assert.Equal(t, "msg2", lastTwo[0].Message)
		assert.Equal(t, "msg3", lastTwo[1].Message)
	})

	t.Run("CopyProtection", func(t *testing.T) {
		logger := newQuiet(10, DEBUG)
		logger.Info("original message")

		entries := logger.GetLast(1)
		entries[0].Message = "modified message"

		assert.Equal(t, "original message", logger.GetLast(1)[0].Message)
	})
}

func TestLogger_WritesThroughZap(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(10, DEBUG, WithOutput(&buf), WithName("kvcache"))

	logger.Warn("store open failed", String("store", "cache.db"), Err(errors.New("locked")))
	_ = logger.Sync()

	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "kvcache")
	assert.Contains(t, out, "store open failed")
	assert.Contains(t, out, "cache.db")
	assert.Contains(t, out, "locked")
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(10, ERROR, WithOutput(&buf))

	logger.Info("hidden")
	assert.Empty(t, logger.GetLast(10))
	assert.Empty(t, buf.String())

	logger.SetLevel(DEBUG)
	assert.Equal(t, DEBUG, logger.Level())

	logger.Debug("visible")
	assert.Len(t, logger.GetLast(10), 1)
	assert.Contains(t, buf.String(), "visible")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, WARN, ParseLevel(" WARN "))
	assert.Equal(t, ERROR, ParseLevel("Error"))
	assert.Equal(t, INFO, ParseLevel("info"))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}
