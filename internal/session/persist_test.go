package session_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chroniclehq/chronicle/internal/kv"
	"github.com/chroniclehq/chronicle/internal/session"
	"github.com/chroniclehq/chronicle/pkg/audio"
)

func addAudio(t *testing.T, rdb *redis.Client, clientID string, pcm []byte) {
	t.Helper()
	err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: kv.AudioStream(clientID),
		Values: map[string]any{"audio_data": string(pcm)},
	}).Err()
	if err != nil {
		t.Fatalf("xadd: %v", err)
	}
}

func addEndMarker(t *testing.T, rdb *redis.Client, clientID string) {
	t.Helper()
	err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: kv.AudioStream(clientID),
		Values: map[string]any{kv.EndMarkerField: "1"},
	}).Err()
	if err != nil {
		t.Fatalf("xadd end marker: %v", err)
	}
}

func TestPersisterWritesAndRotates(t *testing.T) {
	_, rdb := setup(t)
	ctx := context.Background()
	dir := t.TempDir()
	const clientID = "devp1"

	pcm := make([]byte, 3200) // 100 ms of 16 kHz mono
	if err := rdb.Set(ctx, kv.CurrentConversation(clientID), "conv-a", 0).Err(); err != nil {
		t.Fatalf("set conversation: %v", err)
	}
	addAudio(t, rdb, clientID, pcm)
	addAudio(t, rdb, clientID, pcm)

	p := session.NewPersister(rdb, nil, "", clientID, dir)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// Let the first conversation's frames land, then rotate.
	time.Sleep(500 * time.Millisecond)
	if err := rdb.Set(ctx, kv.CurrentConversation(clientID), "conv-b", 0).Err(); err != nil {
		t.Fatalf("rotate conversation: %v", err)
	}
	addAudio(t, rdb, clientID, pcm)
	time.Sleep(500 * time.Millisecond)
	addEndMarker(t, rdb, clientID)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("persister did not terminate after end marker")
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2 (one per conversation): %v", len(files), files)
	}

	var convA, convB string
	for _, f := range files {
		switch {
		case strings.Contains(f.Name(), "conv-a"):
			convA = filepath.Join(dir, f.Name())
		case strings.Contains(f.Name(), "conv-b"):
			convB = filepath.Join(dir, f.Name())
		}
	}
	if convA == "" || convB == "" {
		t.Fatalf("missing conversation files: %v", files)
	}

	wavA, err := audio.ReadWAVFile(convA)
	if err != nil {
		t.Fatalf("read conv-a wav: %v", err)
	}
	gotPCM, rate, channels, err := audio.ParseWAV(wavA)
	if err != nil {
		t.Fatalf("parse conv-a wav: %v", err)
	}
	if rate != 16000 || channels != 1 {
		t.Errorf("conv-a format = %d Hz / %d ch, want 16000/1", rate, channels)
	}
	if len(gotPCM) != 2*len(pcm) {
		t.Errorf("conv-a has %d PCM bytes, want %d", len(gotPCM), 2*len(pcm))
	}

	wavB, err := audio.ReadWAVFile(convB)
	if err != nil {
		t.Fatalf("read conv-b wav: %v", err)
	}
	gotPCM, _, _, err = audio.ParseWAV(wavB)
	if err != nil {
		t.Fatalf("parse conv-b wav: %v", err)
	}
	if len(gotPCM) != len(pcm) {
		t.Errorf("conv-b has %d PCM bytes, want %d", len(gotPCM), len(pcm))
	}

	// The audio:file keys point at the written files.
	path, err := rdb.Get(ctx, kv.AudioFile("conv-a")).Result()
	if err != nil || path != convA {
		t.Errorf("audio:file for conv-a = %q (%v), want %q", path, err, convA)
	}
}

func TestPersisterStopsOnFinalizing(t *testing.T) {
	_, rdb := setup(t)
	ctx := context.Background()
	const clientID = "devp2"

	if err := rdb.HSet(ctx, kv.AudioSession(clientID), kv.FieldStatus, kv.StatusFinalizing).Err(); err != nil {
		t.Fatalf("hset status: %v", err)
	}
	addAudio(t, rdb, clientID, make([]byte, 320))

	p := session.NewPersister(rdb, nil, "", clientID, t.TempDir())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("persister did not stop on finalizing status")
	}
}
