package main

import (
	"context"
	"fmt"
	"io"

	"lead-tracking/internal/config"
	"lead-tracking/internal/inspector"
	"lead-tracking/internal/queue"

	json "github.com/goccy/go-json"
)

// 운영용 보조 명령. 서버와 같은 store 설정으로 queue / debug flag 를 조작한다.

func runQueueStatus(ctx context.Context, w io.Writer) error {
	cfg := config.Load()
	q := queue.New(ctx, openStore(ctx, cfg), nil)

	data, err := json.MarshalIndent(q.Status(), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func runQueueClear(ctx context.Context) error {
	cfg := config.Load()
	q := queue.New(ctx, openStore(ctx, cfg), nil)
	q.Clear(ctx)
	return nil
}

func runDebugToggle(ctx context.Context, w io.Writer) error {
	cfg := config.Load()
	insp := inspector.New(ctx, openStore(ctx, cfg), false)

	_, err := fmt.Fprintf(w, "tracking debug mode: %t\n", insp.Toggle(ctx))
	return err
}
