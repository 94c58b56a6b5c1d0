package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/samber/lo"

	"github.com/grafana/ramparse/pkg/ramdump/reassemble"
	"github.com/grafana/ramparse/pkg/ramdump/segment"
	"github.com/grafana/ramparse/pkg/ramdump/vma"
)

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}

func hexAddr(v uint64) string { return "0x" + strconv.FormatUint(v, 16) }

func outputSegments(w io.Writer, segs []segment.Segment) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Start", "End", "Size", "File", "Description"})
	table.AppendBulk(lo.Map(segs, func(s segment.Segment, _ int) []string {
		return []string{
			s.Name,
			hexAddr(uint64(s.PhysBase)),
			hexAddr(uint64(s.End())),
			humanize.IBytes(uint64(s.Size)),
			s.File,
			s.Description,
		}
	}))
	table.Render()
}

func outputTasks(w io.Writer, tasks []vma.Task) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Pid", "Comm", "Task"})
	table.AppendBulk(lo.Map(tasks, func(t vma.Task, _ int) []string {
		return []string{strconv.FormatUint(uint64(t.Pid), 10), t.Comm, t.Addr.String()}
	}))
	table.Render()
}

func outputVmas(w io.Writer, as *vma.TaskAddressSpace) {
	fmt.Fprintf(w, "pid %d (%s) mm %s pgd %s, %d areas\n", as.Pid, as.Comm, as.MM, as.PgdPhys, len(as.Vmas))
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Start", "End", "Perms", "Offset", "Size", "Mapping"})
	table.AppendBulk(lo.Map(as.Vmas, func(v vma.Vma, _ int) []string {
		return []string{
			v.Start.String(),
			v.End.String(),
			v.Perms(),
			hexAddr(v.PgOff << 12),
			humanize.IBytes(uint64(v.Size())),
			v.Name(),
		}
	}))
	var total int64
	for _, v := range as.Vmas {
		total += v.Size()
	}
	table.SetFooter([]string{"", "", "", "", humanize.IBytes(uint64(total)), ""})
	table.Render()
}

func outputReassembled(w io.Writer, out string, res *reassemble.Result) {
	fmt.Fprintf(w, "%s: %s (header %s), xxhash %016x\n", out, humanize.IBytes(uint64(res.Size)), humanize.IBytes(uint64(res.HeaderSize)), res.Checksum)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Segment", "Offset", "Size", "Source"})
	table.AppendBulk(lo.Map(res.Segments, func(s reassemble.Segment, _ int) []string {
		return []string{s.Name, hexAddr(uint64(s.Offset)), humanize.IBytes(uint64(s.Size)), s.Path}
	}))
	table.Render()
}

func outputHexdump(w io.Writer, data []byte) error {
	d := hex.Dumper(w)
	if _, err := d.Write(data); err != nil {
		return err
	}
	return d.Close()
}

// outputStats prints every counter gathered from g that is non-zero.
func outputStats(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	type row struct {
		name, labels string
		value        float64
	}
	var rows []row
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter().GetValue() == 0 {
				continue
			}
			rows = append(rows, row{
				name: mf.GetName(),
				labels: strings.Join(lo.Map(m.GetLabel(), func(l *dto.LabelPair, _ int) string {
					return l.GetName() + "=" + l.GetValue()
				}), ","),
				value: m.GetCounter().GetValue(),
			})
		}
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "no reads failed, nothing pruned or truncated")
		return nil
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].name != rows[j].name {
			return rows[i].name < rows[j].name
		}
		return rows[i].labels < rows[j].labels
	})
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Counter", "Labels", "Value"})
	for _, r := range rows {
		table.Append([]string{r.name, r.labels, humanize.Comma(int64(r.value))})
	}
	table.Render()
	return nil
}
