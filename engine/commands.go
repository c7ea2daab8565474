package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/webmarker/connectivity"
)

// Side panel commands, served on the page's router.
const (
	CmdGotoMark    = "goto-mark"
	CmdGotoChapter = "goto-chapter"
	CmdRefresh     = "refresh-highlights"
	CmdTabPrev     = "tab-prev"
)

type gotoMarkReq struct {
	ID string `json:"id"`
}

type gotoChapterReq struct {
	Selector string `json:"selector"`
}

type ack struct {
	OK bool `json:"ok"`
}

// RegisterCommands mounts the side panel commands on r. Each command runs
// on the engine's executor; the caller waits for it.
func (e *Engine) RegisterCommands(r *connectivity.Router) {
	r.RegisterLocal(CmdGotoMark, func(ctx context.Context, payload []byte) ([]byte, error) {
		var req gotoMarkReq
		if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
			return nil, fmt.Errorf("engine: %s: id required", CmdGotoMark)
		}
		return e.do(ctx, func() error { return e.GotoMark(req.ID) })
	})
	r.RegisterLocal(CmdGotoChapter, func(ctx context.Context, payload []byte) ([]byte, error) {
		var req gotoChapterReq
		if err := json.Unmarshal(payload, &req); err != nil || req.Selector == "" {
			return nil, fmt.Errorf("engine: %s: selector required", CmdGotoChapter)
		}
		return e.do(ctx, func() error { return e.GotoChapter(req.Selector) })
	})
	r.RegisterLocal(CmdRefresh, func(ctx context.Context, _ []byte) ([]byte, error) {
		return e.do(ctx, func() error { e.Refresh(); return nil })
	})
	r.RegisterLocal(CmdTabPrev, func(ctx context.Context, _ []byte) ([]byte, error) {
		return e.do(ctx, func() error { e.TabPrev(); return nil })
	})
}

func (e *Engine) do(ctx context.Context, fn func() error) ([]byte, error) {
	if err := e.Do(ctx, fn); err != nil {
		return nil, err
	}
	return json.Marshal(ack{OK: true})
}
