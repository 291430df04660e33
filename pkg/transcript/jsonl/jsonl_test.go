package jsonl_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/transcript"
	"github.com/MrWong99/earshot/pkg/transcript/jsonl"
)

func TestSink_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "transcripts.jsonl")
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, text := range []string{"hello", "world"} {
		s, err := jsonl.Open(path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		rec := transcript.Record{SessionID: "s1", Seq: uint64(i + 1), ClientID: "c", Text: text, Timestamp: ts}
		if err := s.Write(context.Background(), rec); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	recs, err := jsonl.Read(f)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 2 || recs[0].Text != "hello" || recs[1].Text != "world" {
		t.Fatalf("records = %+v", recs)
	}
	if !recs[0].Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", recs[0].Timestamp, ts)
	}
}

func TestSink_WriteAfterClose(t *testing.T) {
	s, err := jsonl.Open(filepath.Join(t.TempDir(), "t.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := s.Write(context.Background(), transcript.Record{}); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Write after close err = %v, want os.ErrClosed", err)
	}
}

func TestRead(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int
		wantErr bool
	}{
		{name: "empty", in: "", want: 0},
		{name: "blank lines", in: "\n{\"text\":\"a\"}\n\n{\"text\":\"b\"}\n", want: 2},
		{name: "garbage", in: "{\"text\":\"a\"}\nnot json\n", want: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := jsonl.Read(strings.NewReader(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("records = %d, want %d", len(got), tt.want)
			}
		})
	}
}
