package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMean(t *testing.T) {
	assert.Zero(t, mean(nil))
	assert.Equal(t, 2*time.Second, mean([]time.Duration{time.Second, 3 * time.Second}))
}

func TestBenchCommand_RequiresCommand(t *testing.T) {
	_, err := execute(t, "bench")
	assert.Error(t, err)
}
