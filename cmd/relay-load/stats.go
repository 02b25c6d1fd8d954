package main

import (
	"fmt"
	"math"
	"sort"
	"text/template"
	"time"
)

var (
	fnMap = template.FuncMap{
		"subi": subiFn,
		"subd": subdFn,
		"subf": subfFn,
		"avg":  avgFn,
		"pctl": pctlFn,
	}

	tpl = template.Must(template.New("output").Funcs(fnMap).Parse(`
--- CONFIGURATION

Address:     {{ .Run.Addr }}
Admin:       {{ .Run.Admin }}
Channel:     {{ .Run.Channel }}
Payload:     {{ .Run.Payload }}

Connections: {{ .Run.Conns }}
Rate:        {{ .Run.Rate | printf "%s" }}
Duration:    {{ .Run.Duration | printf "%s" }}

--- CLIENT STATISTICS

Actual Duration: {{ .Run.ActualDuration | printf "%s" }}
Published:       {{ .Run.Published }}
Failed:          {{ .Run.Failed }}
Sent:            {{ .Run.Sent }}
Received:        {{ .Run.Received }}

--- DELIVERY LATENCIES

Minimum:         {{ pctl 0 .Latencies }}
Maximum:         {{ pctl 100 .Latencies }}
Average:         {{ avg .Latencies }}
Median:          {{ pctl 50 .Latencies }}
75th Percentile: {{ pctl 75 .Latencies }}
90th Percentile: {{ pctl 90 .Latencies }}
99th Percentile: {{ pctl 99 .Latencies }}

--- SERVER STATISTICS

Memory          Before          After           Diff.
---------------------------------------------------------------
Alloc:          {{.Before.Memstats.Alloc | printf "%-15v"}} {{.After.Memstats.Alloc | printf "%-15v"}} {{subf .After.Memstats.Alloc .Before.Memstats.Alloc | printf "%v" }}
TotalAlloc:     {{.Before.Memstats.TotalAlloc | printf "%-15v"}} {{.After.Memstats.TotalAlloc | printf "%-15v"}} {{subf .After.Memstats.TotalAlloc .Before.Memstats.TotalAlloc | printf "%v" }}
HeapAlloc:      {{.Before.Memstats.HeapAlloc | printf "%-15v"}} {{.After.Memstats.HeapAlloc | printf "%-15v"}} {{subf .After.Memstats.HeapAlloc .Before.Memstats.HeapAlloc | printf "%v" }}
HeapObjects:    {{.Before.Memstats.HeapObjects | printf "%-15d"}} {{.After.Memstats.HeapObjects | printf "%-15d"}} {{subi .After.Memstats.HeapObjects .Before.Memstats.HeapObjects }}
NumGC:          {{.Before.Memstats.NumGC | printf "%-15d"}} {{.After.Memstats.NumGC | printf "%-15d"}} {{subi .After.Memstats.NumGC .Before.Memstats.NumGC }}
PauseTotalNs:   {{.Before.Memstats.PauseTotalNs | printf "%-15v"}} {{.After.Memstats.PauseTotalNs | printf "%-15v"}} {{subd .After.Memstats.PauseTotalNs .Before.Memstats.PauseTotalNs | printf "%v" }}

Counter             Before          After           Diff.
----------------------------------------------------------------
{{ range $name := .Counters }}{{ printf "%-19s" (printf "%s:" $name) }} {{ index $.Before.Relay $name | printf "%-15d" }} {{ index $.After.Relay $name | printf "%-15d" }} {{ subi (index $.After.Relay $name) (index $.Before.Relay $name) }}
{{ end }}
`))
)

// counters is the list of relay counters printed in the report.
var counters = []string{
	"ActiveConns",
	"TotalConns",
	"ActiveSessions",
	"Authentications",
	"AuthFailures",
	"AuthCacheHits",
	"Msgs",
	"MsgsRead",
	"MsgsWrite",
	"MsgsAUTH",
	"PublishedMsgs",
	"SendQueueFull",
	"RateLimitedMsgs",
	"RecoveredPanics",
	"SlowProcessMsg",
}

func subiFn(a, b int) int {
	return a - b
}

func subdFn(a, b time.Duration) time.Duration {
	return a - b
}

func subfFn(a, b byteSize) byteSize {
	return a - b
}

func avgFn(durs []time.Duration) time.Duration {
	var sum time.Duration

	if len(durs) == 0 {
		return 0
	}

	for _, d := range durs {
		sum += d
	}
	return sum / time.Duration(len(durs))
}

type durations []time.Duration

func (d durations) Len() int           { return len(d) }
func (d durations) Swap(x, y int)      { d[x], d[y] = d[y], d[x] }
func (d durations) Less(x, y int) bool { return d[x] < d[y] }

// from https://github.com/golang/go/issues/4594#issuecomment-135336012
func round(f float64) int {
	if math.Abs(f) < 0.5 {
		return 0
	}
	return int(f + math.Copysign(0.5, f))
}

func pctlFn(n int, durs []time.Duration) time.Duration {
	if len(durs) == 0 {
		return 0
	}
	if len(durs) == 1 {
		return durs[0]
	}

	sort.Sort(durations(durs))

	v := (float64(n) / 100.0) * float64(len(durs))
	ix := int(v)
	if v-float64(int(v)) != 0 {
		if ix = round(v); ix > 0 {
			ix--
		}

		return durs[ix]
	}

	// edge cases
	if ix == 0 {
		return durs[0]
	}
	if ix == len(durs) {
		return durs[len(durs)-1]
	}

	sum := durs[ix] + durs[ix-1]
	return sum / 2
}

type byteSize float64

const (
	_           = iota
	kb byteSize = 1 << (10 * iota)
	mb
	gb
)

func (b byteSize) String() string {
	cmp := b
	if b < 0 {
		cmp = -cmp
	}
	switch {
	case cmp >= gb:
		return fmt.Sprintf("%.2fGB", b/gb)
	case cmp >= mb:
		return fmt.Sprintf("%.2fMB", b/mb)
	case cmp >= kb:
		return fmt.Sprintf("%.2fKB", b/kb)
	}
	return fmt.Sprintf("%.2fB", b)
}

type templateStats struct {
	Run       *runStats
	Before    *expVars
	After     *expVars
	Counters  []string
	Latencies []time.Duration
}

type runStats struct {
	Addr    string
	Admin   string
	Channel string
	Payload string

	Conns          int
	Rate           time.Duration
	Duration       time.Duration
	ActualDuration time.Duration

	Published int64
	Failed    int64
	Sent      int64
	Received  int64
}

type expVars struct {
	// Relay is the relay map of counters. Missing counters are 0.
	Relay map[string]int `json:"relay"`

	Memstats struct {
		Alloc        byteSize
		TotalAlloc   byteSize
		HeapAlloc    byteSize
		HeapObjects  int
		NumGC        int
		PauseTotalNs time.Duration
	} `json:"memstats"`
}
