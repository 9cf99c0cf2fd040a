// =============================================================================
// CLI OUTPUT FORMATTER - TABLE, JSON, YAML OUTPUT SUPPORT
// =============================================================================
//
// Every client command of the strata binary prints through a Formatter:
//   - Table (default): aligned columns for terminals
//   - JSON: for scripting with jq
//   - YAML: for diffing and config-style dumps
//
//   $ strata streams
//   ID  NAME      TOPICS
//   1   payments  2
//
//   $ strata poll -s 1 -t orders -p 1 -o json | jq '.[].payload'
//
// =============================================================================

package cli

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v3"

	"strata/internal/cache"
	"strata/internal/protocol"
	"strata/internal/stats"
)

// =============================================================================
// OUTPUT FORMAT
// =============================================================================

// OutputFormat represents the output format type.
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// ParseOutputFormat parses an output format string.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return OutputTable, nil
	case "json":
		return OutputJSON, nil
	case "yaml", "yml":
		return OutputYAML, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (supported: table, json, yaml)", s)
	}
}

// =============================================================================
// FORMATTER
// =============================================================================

// Formatter writes command results in one output format.
type Formatter struct {
	format OutputFormat
	writer io.Writer
}

// NewFormatter creates a formatter writing to stdout.
func NewFormatter(format OutputFormat) *Formatter {
	return &Formatter{
		format: format,
		writer: os.Stdout,
	}
}

// SetWriter sets the output writer.
func (f *Formatter) SetWriter(w io.Writer) {
	f.writer = w
}

// structured writes data as JSON or YAML. It reports false for table output.
func (f *Formatter) structured(data any) (bool, error) {
	switch f.format {
	case OutputJSON:
		encoder := json.NewEncoder(f.writer)
		encoder.SetIndent("", "  ")
		return true, encoder.Encode(data)
	case OutputYAML:
		encoder := yaml.NewEncoder(f.writer)
		encoder.SetIndent(2)
		if err := encoder.Encode(data); err != nil {
			return true, err
		}
		return true, encoder.Close()
	default:
		return false, nil
	}
}

// =============================================================================
// TABLE FORMATTING
// =============================================================================

// Table creates a new table writer.
func (f *Formatter) Table() *TableWriter {
	return &TableWriter{tw: tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0)}
}

// TableWriter wraps tabwriter for column output.
type TableWriter struct {
	tw *tabwriter.Writer
}

// WriteHeaders writes the upper-cased header row.
func (t *TableWriter) WriteHeaders(headers ...string) {
	upper := make([]string, len(headers))
	for i, h := range headers {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(t.tw, strings.Join(upper, "\t"))
}

// WriteRow writes a single row.
func (t *TableWriter) WriteRow(values ...any) {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprint(v)
	}
	fmt.Fprintln(t.tw, strings.Join(strs, "\t"))
}

// Flush flushes the table writer.
func (t *TableWriter) Flush() error {
	return t.tw.Flush()
}

// =============================================================================
// RESULT FORMATTERS
// =============================================================================

type streamView struct {
	ID     uint32 `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Topics uint32 `json:"topics" yaml:"topics"`
}

// FormatStreams outputs a GetStreams result.
func (f *Formatter) FormatStreams(streams []protocol.StreamInfo) error {
	views := make([]streamView, len(streams))
	for i, s := range streams {
		views[i] = streamView{ID: s.ID, Name: s.Name, Topics: s.TopicsCount}
	}
	if ok, err := f.structured(views); ok {
		return err
	}

	table := f.Table()
	table.WriteHeaders("id", "name", "topics")
	for _, v := range views {
		table.WriteRow(v.ID, v.Name, v.Topics)
	}
	return table.Flush()
}

type messageView struct {
	Offset    uint64    `json:"offset" yaml:"offset"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	ID        string    `json:"id" yaml:"id"`
	Payload   string    `json:"payload" yaml:"payload"`
}

// FormatMessages outputs a PollMessages result. Payloads that are not
// valid UTF-8 are shown hex encoded with a 0x prefix.
func (f *Formatter) FormatMessages(messages []protocol.PolledMessage) error {
	views := make([]messageView, len(messages))
	for i, m := range messages {
		views[i] = messageView{
			Offset:    m.Offset,
			Timestamp: time.UnixMicro(int64(m.Timestamp)).UTC(),
			ID:        m.ID.String(),
			Payload:   displayPayload(m.Payload),
		}
	}
	if ok, err := f.structured(views); ok {
		return err
	}

	table := f.Table()
	table.WriteHeaders("offset", "timestamp", "id", "payload")
	for _, v := range views {
		table.WriteRow(v.Offset, v.Timestamp.Format(time.RFC3339Nano), v.ID, truncate(v.Payload, 64))
	}
	return table.Flush()
}

// FormatSendResult outputs where a SendMessages batch landed.
func (f *Formatter) FormatSendResult(res protocol.SendResult) error {
	view := struct {
		Partition   uint32 `json:"partition" yaml:"partition"`
		FirstOffset uint64 `json:"first_offset" yaml:"first_offset"`
		Messages    int    `json:"messages" yaml:"messages"`
	}{res.PartitionID, res.FirstOffset, int(res.Count)}
	if ok, err := f.structured(view); ok {
		return err
	}
	_, err := fmt.Fprintf(f.writer, "sent %d message(s) to partition %d at offset %d\n",
		res.Count, res.PartitionID, res.FirstOffset)
	return err
}

// FormatStats outputs a GetStats snapshot. JSON and YAML use the same field
// names as the HTTP /stats endpoint.
func (f *Formatter) FormatStats(st stats.ServerStats) error {
	if f.format != OutputTable {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber()
		var generic map[string]any
		if err := decoder.Decode(&generic); err != nil {
			return err
		}
		_, err = f.structured(generic)
		return err
	}

	w := f.writer
	fmt.Fprintf(w, "Version:     %s\n", st.ServerVersion)
	fmt.Fprintf(w, "Host:        %s (%s %s, kernel %s, %s)\n", st.Hostname, st.OSName, st.OSVersion, st.KernelVersion, st.GoVersion)
	fmt.Fprintf(w, "Uptime:      %s\n", (time.Duration(st.RunTime) * time.Microsecond).Round(time.Second))
	fmt.Fprintf(w, "CPU:         %.1f%% (host %.1f%%)\n", st.CPUUsage, st.TotalCPUUsage)
	fmt.Fprintf(w, "Memory:      %s (total %s, available %s)\n",
		bytefmt.ByteSize(st.MemoryUsage), bytefmt.ByteSize(st.TotalMemory), bytefmt.ByteSize(st.AvailableMemory))
	fmt.Fprintf(w, "Disk I/O:    read %s, written %s\n", bytefmt.ByteSize(st.ReadBytes), bytefmt.ByteSize(st.WrittenBytes))
	fmt.Fprintf(w, "Streams:     %d\n", st.StreamsCount)
	fmt.Fprintf(w, "Topics:      %d\n", st.TopicsCount)
	fmt.Fprintf(w, "Partitions:  %d\n", st.PartitionsCount)
	fmt.Fprintf(w, "Segments:    %d\n", st.SegmentsCount)
	fmt.Fprintf(w, "Messages:    %d (%s)\n", st.MessagesCount, bytefmt.ByteSize(st.MessagesSizeBytes))
	fmt.Fprintf(w, "Unsaved:     %d\n", st.UnsavedMessages)
	fmt.Fprintf(w, "Clients:     %d\n", st.ClientsCount)
	fmt.Fprintf(w, "Groups:      %d\n", st.ConsumerGroupsCount)

	if len(st.CacheMetrics) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "CACHE:")

	keys := make([]cache.Key, 0, len(st.CacheMetrics))
	for k := range st.CacheMetrics {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.StreamID != b.StreamID {
			return a.StreamID < b.StreamID
		}
		if a.TopicID != b.TopicID {
			return a.TopicID < b.TopicID
		}
		return a.PartitionID < b.PartitionID
	})

	table := f.Table()
	table.WriteHeaders("partition", "hits", "misses", "hit ratio")
	for _, k := range keys {
		m := st.CacheMetrics[k]
		table.WriteRow(stats.FormatKey(k), m.Hits, m.Misses, fmt.Sprintf("%.2f", m.HitRatio()))
	}
	return table.Flush()
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func displayPayload(p []byte) string {
	if utf8.Valid(p) {
		return string(p)
	}
	return "0x" + hex.EncodeToString(p)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
