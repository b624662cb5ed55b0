package tmuxadapter

import (
	"bytes"
	"sync"
	"testing"
)

func TestRingBufferWriteUnderCapacity(t *testing.T) {
	rb := newRingBuffer(64)
	data := []byte("hello world")
	n, err := rb.Write(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(data) {
		t.Fatalf("expected %d bytes written, got %d", len(data), n)
	}
	if rb.len() != len(data) {
		t.Fatalf("expected len %d, got %d", len(data), rb.len())
	}
	got := rb.readAll()
	if !bytes.Equal(got, data) {
		t.Fatalf("expected %q, got %q", data, got)
	}
}

func TestRingBufferWriteAtCapacity(t *testing.T) {
	rb := newRingBuffer(8)
	data := []byte("12345678")
	rb.Write(data)
	if rb.len() != 8 {
		t.Fatalf("expected len 8, got %d", rb.len())
	}
	got := rb.readAll()
	if !bytes.Equal(got, data) {
		t.Fatalf("expected %q, got %q", data, got)
	}
}

func TestRingBufferWrapAround(t *testing.T) {
	rb := newRingBuffer(8)
	rb.Write([]byte("abcdef"))
	rb.Write([]byte("ghijk"))

	if rb.len() != 8 {
		t.Fatalf("expected len 8, got %d", rb.len())
	}
	got := rb.readAll()
	expected := []byte("defghijk")
	if !bytes.Equal(got, expected) {
		t.Fatalf("expected %q, got %q", expected, got)
	}
}

func TestRingBufferWriteLargerThanCapacity(t *testing.T) {
	rb := newRingBuffer(4)
	data := []byte("abcdefghij")
	n, err := rb.Write(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 10 {
		t.Fatalf("expected 10 bytes written, got %d", n)
	}
	got := rb.readAll()
	expected := []byte("ghij")
	if !bytes.Equal(got, expected) {
		t.Fatalf("expected %q, got %q", expected, got)
	}
}

func TestRingBufferReadAllLinearizesCorrectly(t *testing.T) {
	rb := newRingBuffer(10)

	rb.Write([]byte("AAAA"))
	rb.Write([]byte("BBBB"))
	rb.Write([]byte("CCCC"))

	got := rb.readAll()
	expected := []byte("AABBBBCCCC")
	if !bytes.Equal(got, expected) {
		t.Fatalf("expected %q, got %q", expected, got)
	}
}

func TestRingBufferEmptyBuffer(t *testing.T) {
	rb := newRingBuffer(64)
	if rb.len() != 0 {
		t.Fatalf("expected len 0, got %d", rb.len())
	}
	got := rb.readAll()
	if got != nil {
		t.Fatalf("expected nil for empty buffer, got %v", got)
	}
}

func TestRingBufferZeroLengthWrite(t *testing.T) {
	rb := newRingBuffer(64)
	n, err := rb.Write([]byte{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes written, got %d", n)
	}
	if rb.len() != 0 {
		t.Fatalf("expected len 0 after empty write, got %d", rb.len())
	}
}

func TestRingBufferDefaultCapacity(t *testing.T) {
	rb := newRingBuffer(0)
	if rb.capacity != defaultRingCapacity {
		t.Fatalf("expected default capacity %d, got %d", defaultRingCapacity, rb.capacity)
	}

	rb2 := newRingBuffer(-1)
	if rb2.capacity != defaultRingCapacity {
		t.Fatalf("expected default capacity %d for negative input, got %d", defaultRingCapacity, rb2.capacity)
	}
}

func TestRingBufferConcurrentWriteRead(t *testing.T) {
	rb := newRingBuffer(1024)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			rb.Write([]byte("data chunk "))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = rb.readAll()
			_ = rb.len()
		}
	}()

	wg.Wait()

	if rb.len() > 1024 {
		t.Fatalf("len should not exceed capacity, got %d", rb.len())
	}
	got := rb.readAll()
	if len(got) != rb.len() {
		t.Fatalf("readAll length %d != len() %d", len(got), rb.len())
	}
}

func TestRingBufferLastLines(t *testing.T) {
	rb := newRingBuffer(256)
	rb.Write([]byte("one\ntwo\nthree\nfour\nfive\n"))

	lines := rb.lastLines(3)
	want := []string{"three", "four", "five"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d (%v)", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}

func TestRingBufferLastLinesFewerThanRequested(t *testing.T) {
	rb := newRingBuffer(256)
	rb.Write([]byte("only\ntwo\n"))

	lines := rb.lastLines(10)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d (%v)", len(lines), lines)
	}
}

func TestRingBufferLastLinesEmpty(t *testing.T) {
	rb := newRingBuffer(256)
	if lines := rb.lastLines(5); lines != nil {
		t.Fatalf("expected nil lines for empty buffer, got %v", lines)
	}
}
