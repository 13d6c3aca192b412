package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/collatz/internal/records"
	"github.com/gogpu/collatz/internal/schedule"
	"github.com/gogpu/collatz/internal/u128"
)

func TestGroup(t *testing.T) {
	p := message.NewPrinter(language.English)
	tests := []struct {
		v    u128.Uint128
		want string
	}{
		{u128.From64(7), "7"},
		{u128.From64(837799), "837,799"},
		{u128.Uint128{Hi: 1}, "18,446,744,073,709,551,616"},
		{u128.Uint128{Lo: ^uint64(0), Hi: ^uint64(0)}, "340,282,366,920,938,463,463,374,607,431,768,211,455"},
	}
	for _, tt := range tests {
		if got := Group(tt.v, p); got != tt.want {
			t.Errorf("Group(%s) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestRecordColour(t *testing.T) {
	r := records.Record{Value: u128.From64(27), Steps: 111, Source: records.SourceDevice}
	var plain, colour bytes.Buffer
	New(&plain, language.English, false).Record(r)
	New(&colour, language.English, true).Record(r)
	if got := plain.String(); got != "record: 27 takes 111 steps (device)\n" {
		t.Errorf("plain record = %q", got)
	}
	if !strings.HasPrefix(colour.String(), ansiBold) || !strings.Contains(colour.String(), ansiReset) {
		t.Errorf("coloured record = %q", colour.String())
	}
}

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	res := schedule.Result{
		State: records.State{
			Next:   u128.From64(2000001),
			Best:   records.Record{Value: u128.From64(1117065), Steps: 527, Source: records.SourceDevice},
			Tested: 1000000,
		},
		Records:      make([]records.Record, 3),
		Rounds:       10,
		Stopped:      schedule.StopRequested,
		Elapsed:      2 * time.Second,
		DispatchTime: 40 * time.Millisecond,
		Dispatches:   4,
		TransferTime: 30 * time.Millisecond,
		Transfers:    3,
	}
	New(&buf, language.English, false).Summary(u128.From64(1), res)
	out := buf.String()
	for _, want := range []string{
		"stopped: stop requested after 10 rounds in 2s",
		"range: 1 to 2,000,001",
		"tested: 1,000,000 odd values (500,000 per second)",
		"dispatch: 10ms average over 4 dispatches",
		"transfer: 10ms average over 3 transfers",
		"new records: 3",
		"best: 1,117,065 takes 527 steps",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary lacks %q:\n%s", want, out)
		}
	}
}
