//go:build !windows

package pipe

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestUnixRoundTrip(t *testing.T) {
	name := NewName(t.TempDir())
	tr := Default()

	ln, err := tr.Listen(OutEndpoint(name))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	info, err := os.Stat(OutEndpoint(name) + ".sock")
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Perm() != 0666 {
		t.Errorf("socket mode = %v, want 0666", info.Mode().Perm())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			accepted <- err
			return
		}
		defer conn.Close()
		_, err = conn.Write([]byte("PING\n"))
		accepted <- err
	}()

	conn, err := tr.Dial(ctx, OutEndpoint(name))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "PING\n" {
		t.Errorf("got %q", line)
	}
	if err := <-accepted; err != nil {
		t.Fatalf("accept side: %v", err)
	}
}

func TestAcceptHonoursContext(t *testing.T) {
	name := NewName(t.TempDir())
	ln, err := Default().Listen(InEndpoint(name))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = ln.Accept(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("accept returned after %v", elapsed)
	}
}

func TestNewNameUnique(t *testing.T) {
	dir := t.TempDir()
	a, b := NewName(dir), NewName(dir)
	if a == b {
		t.Fatalf("duplicate name %q", a)
	}
	if !strings.HasPrefix(a, dir) {
		t.Errorf("name %q not under %q", a, dir)
	}
	if OutEndpoint(a) == InEndpoint(a) {
		t.Error("endpoints collide")
	}
}
