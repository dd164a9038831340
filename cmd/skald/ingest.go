package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"

	"github.com/user/skald"
	"github.com/user/skald/pkg/engine"
)

// ingestStdin feeds NDJSON lines from stdin into the pipeline. Each line
// may carry "level" and "msg"; every other key becomes a field. Lines that
// are not JSON are logged verbatim at info level.
func ingestStdin(ctx context.Context, eng *engine.Engine) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := sc.Bytes()
		var doc map[string]interface{}
		if err := json.Unmarshal(line, &doc); err != nil {
			eng.Info(string(line), nil)
			continue
		}

		level := skald.LevelInfo
		if s, ok := doc["level"].(string); ok {
			if parsed, found := skald.ParseLevel(s); found {
				level = parsed
			}
			delete(doc, "level")
		}
		msg, _ := doc["msg"].(string)
		delete(doc, "msg")
		eng.Log(level, msg, doc)
	}
}
