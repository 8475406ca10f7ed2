package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func BenchmarkReadSSEStream(b *testing.B) {
	var sb strings.Builder
	for i := range 2000 {
		fmt.Fprintf(&sb, "data: {\"choices\":[{\"delta\":{\"content\":\"token%d \"}}]}\n\n", i)
	}
	sb.WriteString("data: [DONE]\n\n")
	body := sb.String()

	c := &Client{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	ctx := context.Background()

	b.ReportAllocs()
	b.SetBytes(int64(len(body)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.readSSEStream(ctx, strings.NewReader(body), "bench"); err != nil {
			b.Fatal(err)
		}
	}
}
