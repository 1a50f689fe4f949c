package main

import (
	"crypto/rand"
	"fmt"
	"time"
)

// RunContext identifies one process lifetime; every poll history row carries it.
type RunContext struct {
	ID    string
	Start time.Time
}

func NewRunContext(start time.Time) RunContext {
	return RunContext{ID: newRunID(), Start: start}
}

func newRunID() string {
	// UUID v4 without external deps.
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
