package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

type fakeHubRunner struct {
	exists  bool
	running bool
	busy    bool

	messages  []string
	toolCalls []string

	toolResult  string
	toolIsError bool
	toolErr     error
}

func (f *fakeHubRunner) Exists(id string) bool    { return f.exists }
func (f *fakeHubRunner) IsRunning(id string) bool { return f.running }
func (f *fakeHubRunner) IsBusy(id string) bool    { return f.busy }

func (f *fakeHubRunner) SendMessage(ctx context.Context, id, content string) error {
	f.messages = append(f.messages, content)
	return nil
}

func (f *fakeHubRunner) ExecuteToolForAgent(ctx context.Context, id, tool string, input json.RawMessage) (string, bool, error) {
	f.toolCalls = append(f.toolCalls, tool)
	return f.toolResult, f.toolIsError, f.toolErr
}

func newTestScheduler(runner HubRunner) *HubScheduler {
	return NewHubScheduler(runner, WithHubSchedulerNow(func() time.Time {
		return time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)
	}))
}

// Spec scenario 4: a */5 entry fires exactly once per qualifying tick when
// the agent is running and idle, and not at all while busy.
func TestCronDispatchRespectsBusy(t *testing.T) {
	runner := &fakeHubRunner{exists: true, running: true}
	s := newTestScheduler(runner)

	if err := s.AddEntry(&HubEntry{
		HubAgentID: "A", Type: HubEntryCron,
		CronExpression: "*/5 * * * *", Message: "tick",
	}); err != nil {
		t.Fatal(err)
	}

	qualifying := time.Date(2025, time.June, 2, 10, 5, 0, 0, time.UTC)
	nonQualifying := time.Date(2025, time.June, 2, 10, 7, 0, 0, time.UTC)

	s.RunCronTick(context.Background(), qualifying)
	if len(runner.messages) != 1 || runner.messages[0] != "tick" {
		t.Fatalf("messages = %v, want one tick", runner.messages)
	}

	s.RunCronTick(context.Background(), nonQualifying)
	if len(runner.messages) != 1 {
		t.Fatalf("non-qualifying minute dispatched: %v", runner.messages)
	}

	runner.busy = true
	s.RunCronTick(context.Background(), qualifying)
	if len(runner.messages) != 1 {
		t.Fatalf("busy agent dispatched: %v", runner.messages)
	}

	runner.busy = false
	runner.running = false
	s.RunCronTick(context.Background(), qualifying)
	if len(runner.messages) != 1 {
		t.Fatalf("stopped agent dispatched: %v", runner.messages)
	}
}

func TestMaxRunsDisablesEntry(t *testing.T) {
	runner := &fakeHubRunner{exists: true, running: true}
	s := newTestScheduler(runner)

	entry := &HubEntry{
		HubAgentID: "A", Type: HubEntryCron,
		CronExpression: "* * * * *", Message: "go", MaxRuns: 2,
	}
	if err := s.AddEntry(entry); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		s.RunCronTick(context.Background(), at.Add(time.Duration(i)*time.Minute))
	}

	if len(runner.messages) != 2 {
		t.Errorf("dispatches = %d, want 2", len(runner.messages))
	}
	entries := s.Entries("A")
	if len(entries) != 1 {
		t.Fatal("entry lost")
	}
	if entries[0].Enabled {
		t.Error("entry still enabled after maxRuns")
	}
	if entries[0].RunCount != 2 {
		t.Errorf("runCount = %d, want 2", entries[0].RunCount)
	}
}

func TestAddEntryValidation(t *testing.T) {
	s := newTestScheduler(&fakeHubRunner{})

	// message xor tool
	if err := s.AddEntry(&HubEntry{HubAgentID: "A", Type: HubEntryCron, CronExpression: "* * * * *"}); err == nil {
		t.Error("neither message nor tool accepted")
	}
	if err := s.AddEntry(&HubEntry{
		HubAgentID: "A", Type: HubEntryCron, CronExpression: "* * * * *",
		Message: "m", Tool: "t",
	}); err == nil {
		t.Error("both message and tool accepted")
	}
	if err := s.AddEntry(&HubEntry{HubAgentID: "A", Type: HubEntryCron, CronExpression: "bad", Message: "m"}); err == nil {
		t.Error("invalid cron accepted")
	}
	if err := s.AddEntry(&HubEntry{HubAgentID: "A", Type: HubEntryEvent, Message: "m"}); err == nil {
		t.Error("event entry without eventName accepted")
	}
	if err := s.AddEntry(&HubEntry{HubAgentID: "", Type: HubEntryCron, CronExpression: "* * * * *", Message: "m"}); err == nil {
		t.Error("missing agent id accepted")
	}
}

func TestPerAgentEntryCap(t *testing.T) {
	s := newTestScheduler(&fakeHubRunner{})
	for i := 0; i < MaxEntriesPerAgent; i++ {
		if err := s.AddEntry(&HubEntry{
			HubAgentID: "A", Type: HubEntryCron,
			CronExpression: "* * * * *", Message: fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if err := s.AddEntry(&HubEntry{
		HubAgentID: "A", Type: HubEntryCron, CronExpression: "* * * * *", Message: "over",
	}); err == nil {
		t.Error("11th entry accepted")
	}
	// other agents are unaffected by A's cap
	if err := s.AddEntry(&HubEntry{
		HubAgentID: "B", Type: HubEntryCron, CronExpression: "* * * * *", Message: "ok",
	}); err != nil {
		t.Errorf("other agent blocked: %v", err)
	}
}

func TestFireEventConditions(t *testing.T) {
	runner := &fakeHubRunner{exists: true, running: true}
	s := newTestScheduler(runner)

	if err := s.AddEntry(&HubEntry{
		HubAgentID: "A", Type: HubEntryEvent,
		EventName: "temp", EventCondition: "> 30", Message: "too hot",
	}); err != nil {
		t.Fatal(err)
	}

	s.FireEvent(context.Background(), "temp", "A", 25)
	if len(runner.messages) != 0 {
		t.Fatalf("condition > 30 fired on 25: %v", runner.messages)
	}
	s.FireEvent(context.Background(), "temp", "A", 35)
	if len(runner.messages) != 1 {
		t.Fatalf("condition > 30 did not fire on 35: %v", runner.messages)
	}
	// wrong event name and wrong agent never fire
	s.FireEvent(context.Background(), "humidity", "A", 99)
	s.FireEvent(context.Background(), "temp", "B", 99)
	if len(runner.messages) != 1 {
		t.Fatalf("mismatched event fired: %v", runner.messages)
	}
}

func TestFireEventChanged(t *testing.T) {
	runner := &fakeHubRunner{exists: true, running: true}
	s := newTestScheduler(runner)

	if err := s.AddEntry(&HubEntry{
		HubAgentID: "A", Type: HubEntryEvent,
		EventName: "status", EventCondition: "changed", Message: "flipped",
	}); err != nil {
		t.Fatal(err)
	}

	s.FireEvent(context.Background(), "status", "A", "up")
	s.FireEvent(context.Background(), "status", "A", "up")
	s.FireEvent(context.Background(), "status", "A", "down")
	// first fire: changed vs nil previous; second: unchanged; third: changed
	if len(runner.messages) != 2 {
		t.Fatalf("dispatches = %v, want 2", runner.messages)
	}
}

// A failed tool-style dispatch is surfaced to the agent as a queued user
// message describing the failure.
func TestToolDispatchFailureSurfacedAsMessage(t *testing.T) {
	runner := &fakeHubRunner{exists: true, running: true, toolResult: "disk full", toolIsError: true}
	s := newTestScheduler(runner)

	if err := s.AddEntry(&HubEntry{
		HubAgentID: "A", Type: HubEntryCron, CronExpression: "* * * * *",
		Tool: "files", ToolInput: json.RawMessage(`{"action":"write"}`),
	}); err != nil {
		t.Fatal(err)
	}

	s.RunCronTick(context.Background(), time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC))
	if len(runner.toolCalls) != 1 {
		t.Fatalf("tool calls = %v", runner.toolCalls)
	}
	if len(runner.messages) != 1 {
		t.Fatalf("failure message not queued: %v", runner.messages)
	}
}

func TestSerializeRestoreRoundTrip(t *testing.T) {
	runner := &fakeHubRunner{exists: true, running: true}
	s := newTestScheduler(runner)

	if err := s.AddEntry(&HubEntry{
		HubAgentID: "A", Type: HubEntryCron,
		CronExpression: "*/5 * * * *", Message: "tick", MaxRuns: 3,
	}); err != nil {
		t.Fatal(err)
	}
	s.RunCronTick(context.Background(), time.Date(2025, time.June, 2, 10, 5, 0, 0, time.UTC))

	serialized := s.Serialize()
	if len(serialized) != 1 {
		t.Fatalf("serialized = %d entries", len(serialized))
	}
	if serialized[0].RunCount != 1 {
		t.Errorf("serialized runCount = %d", serialized[0].RunCount)
	}

	restored := newTestScheduler(runner)
	restored.Restore(serialized)
	entries := restored.Entries("A")
	if len(entries) != 1 {
		t.Fatalf("restored = %d entries", len(entries))
	}
	if entries[0].RunCount != 1 || entries[0].MaxRuns != 3 || !entries[0].Enabled {
		t.Errorf("restored entry = %+v", entries[0])
	}

	// the restored schedule still dispatches
	restored.RunCronTick(context.Background(), time.Date(2025, time.June, 2, 10, 10, 0, 0, time.UTC))
	if len(runner.messages) != 2 {
		t.Errorf("restored entry did not dispatch: %v", runner.messages)
	}
}
