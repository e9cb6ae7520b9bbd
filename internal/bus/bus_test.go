package bus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cfoagent/internal/agentstate"
	"github.com/alanyoungcy/cfoagent/internal/cache/local"
	"github.com/alanyoungcy/cfoagent/internal/crypto"
	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/recovery"
	"github.com/alanyoungcy/cfoagent/internal/scheduler"
	"github.com/alanyoungcy/cfoagent/internal/store/memory"
)

var (
	_ scheduler.Reporter       = (*Client)(nil)
	_ recovery.ExposureWatcher = (*Client)(nil)
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type captureSink struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (s *captureSink) Emit(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func newState(t *testing.T, backend *memory.AgentStateStore) *agentstate.Store {
	t.Helper()
	st := agentstate.New(backend, "cfo", discard())
	_, err := st.Load(context.Background())
	require.NoError(t, err)
	return st
}

func TestSendReceiveAck_ResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	sb := local.NewSignalBus()
	backend := memory.NewAgentStateStore()

	ops := New(sb, newState(t, memory.NewAgentStateStore()), Config{AgentID: "operator"}, discard())
	_, err := ops.Send(ctx, "cfo", domain.MsgPause, domain.PauseCommand{Reason: "audit"})
	require.NoError(t, err)
	_, err = ops.Send(ctx, "cfo", domain.MsgApprove, domain.ApprovalCommand{ID: 7})
	require.NoError(t, err)

	cfo := New(sb, newState(t, backend), Config{AgentID: "cfo"}, discard())
	msgs, err := cfo.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.MsgPause, msgs[0].Type)
	assert.Equal(t, "operator", msgs[0].From)
	require.NoError(t, cfo.Ack(ctx, msgs[0]))

	restarted := New(sb, newState(t, backend), Config{AgentID: "cfo"}, discard())
	msgs, err = restarted.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "acknowledged command is not redelivered")
	assert.Equal(t, domain.MsgApprove, msgs[0].Type)

	var cmd domain.ApprovalCommand
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &cmd))
	assert.Equal(t, int64(7), cmd.ID)
}

func TestPoll_AcksEvenWhenHandlerFails(t *testing.T) {
	ctx := context.Background()
	sb := local.NewSignalBus()
	require.NoError(t, sb.StreamAppend(ctx, InboxStream("cfo"), []byte("not json")))

	ops := New(sb, newState(t, memory.NewAgentStateStore()), Config{AgentID: "operator"}, discard())
	_, err := ops.Send(ctx, "cfo", domain.MsgForceCycle, nil)
	require.NoError(t, err)

	c := New(sb, newState(t, memory.NewAgentStateStore()), Config{AgentID: "cfo"}, discard())
	var handled []domain.MessageType
	n, err := c.Poll(ctx, HandlerFunc(func(_ context.Context, msg domain.Message) error {
		handled = append(handled, msg.Type)
		return errors.New("boom")
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []domain.MessageType{domain.MsgForceCycle}, handled)

	n, err = c.Poll(ctx, HandlerFunc(func(context.Context, domain.Message) error { return nil }))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReports_GoToPeersAndSink(t *testing.T) {
	ctx := context.Background()
	sb := local.NewSignalBus()
	sink := &captureSink{}
	c := New(sb, newState(t, memory.NewAgentStateStore()), Config{
		AgentID: "cfo", Orchestrator: "orch", Security: "guard",
	}, discard(), WithSink(sink))

	require.NoError(t, c.ReportExecution(ctx, domain.ExecutionResult{DecisionID: "d1", Outcome: domain.OutcomeExecuted}))
	require.NoError(t, c.ReportCycle(ctx, domain.CycleRecord{TraceID: "t1", Decisions: []domain.Decision{{ID: "d1"}}}))
	require.NoError(t, c.Watch(ctx, domain.ExposureWatch{PositionID: "pos-1", Asset: "stETH"}))

	orch, err := sb.StreamRead(ctx, InboxStream("orch"), "0", 10)
	require.NoError(t, err)
	require.Len(t, orch, 2)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(orch[1].Payload, &msg))
	assert.Equal(t, domain.MsgCycleReport, msg.Type)
	var rep CycleReport
	require.NoError(t, json.Unmarshal(msg.Payload, &rep))
	assert.Equal(t, "t1", rep.TraceID)
	assert.Equal(t, 1, rep.Decisions)

	guard, err := sb.StreamRead(ctx, InboxStream("guard"), "0", 10)
	require.NoError(t, err)
	assert.Len(t, guard, 1)

	assert.Len(t, sink.msgs, 3)
}

func TestHeartbeat_Broadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sb := local.NewSignalBus()
	sub, err := sb.Subscribe(ctx, DefaultBroadcast)
	require.NoError(t, err)

	c := New(sb, newState(t, memory.NewAgentStateStore()), Config{AgentID: "cfo"}, discard())
	require.NoError(t, c.Heartbeat(ctx, map[string]bool{"paused": false}))

	select {
	case raw := <-sub:
		var msg domain.Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, domain.MsgHeartbeat, msg.Type)
		assert.Equal(t, "cfo", msg.From)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat")
	}
}

func TestSend_SignsWithWallet(t *testing.T) {
	ctx := context.Background()
	sb := local.NewSignalBus()
	w, err := crypto.NewWallet("289c2857d4598e37fb9647507e47a309d6133539bf21a8b9cb6df88fd5232032")
	require.NoError(t, err)

	c := New(sb, newState(t, memory.NewAgentStateStore()), Config{AgentID: "cfo"}, discard(), WithSigner(w))
	_, err = c.Send(ctx, "orch", domain.MsgAlert, Alert{Title: "hi"})
	require.NoError(t, err)

	entries, err := sb.StreamRead(ctx, InboxStream("orch"), "0", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(entries[0].Payload, &msg))
	sig, err := hex.DecodeString(msg.Signature)
	require.NoError(t, err)
	assert.True(t, crypto.VerifyText(w.Address(), msg.SigningBytes(), sig))
}
