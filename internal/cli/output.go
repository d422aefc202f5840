package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/annel0/trial-replay/internal/broadcast"
)

// printResult печатает v как JSON или текстом через textFn.
func printResult(w io.Writer, format string, v interface{}, textFn func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	textFn(w)
	return nil
}

// printMessage печатает одно сообщение воспроизведения.
func printMessage(w io.Writer, format string, msg *broadcast.Message) {
	if format == "json" {
		data, _ := json.Marshal(msg)
		fmt.Fprintln(w, string(data))
		return
	}
	if msg.IsSentinel() {
		fmt.Fprintf(w, "🏁 %s finished\n", msg.Data.SubscribeID)
		return
	}
	fmt.Fprintf(w, "⏱  %d  %s\n", msg.Data.Timestamp, formatPoints(msg.Data.PointsData))
}

func formatPoints(points map[string]string) string {
	keys := make([]string, 0, len(points))
	for k := range points {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+points[k])
	}
	return strings.Join(parts, " ")
}
