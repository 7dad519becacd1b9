package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapilot/pkg/llm"
	"datapilot/pkg/logger"
	"datapilot/pkg/store"
)

// scriptedClient replays canned responses in order. Text calls consume from
// texts, Structured calls consume from structured.
type scriptedClient struct {
	texts      []string
	structured []string
	err        error
}

func (c *scriptedClient) Text(ctx context.Context, messages []llm.ChatMessage) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	if len(c.texts) == 0 {
		return "", errors.New("no scripted text response left")
	}
	out := c.texts[0]
	c.texts = c.texts[1:]
	return out, nil
}

func (c *scriptedClient) Structured(ctx context.Context, messages []llm.ChatMessage, out interface{}) error {
	if c.err != nil {
		return c.err
	}
	if len(c.structured) == 0 {
		return errors.New("no scripted structured response left")
	}
	raw := c.structured[0]
	c.structured = c.structured[1:]
	return json.Unmarshal([]byte(raw), out)
}

// recordingNotifier captures events as "type:routerID" strings.
type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) record(kind, routerID string) {
	n.events = append(n.events, fmt.Sprintf("%s:%s", kind, routerID))
}

func (n *recordingNotifier) Status(routerID, text string)  { n.record("status", routerID) }
func (n *recordingNotifier) Response(routerID, md string)  { n.record("response", routerID) }
func (n *recordingNotifier) InputLock(routerID string)     { n.record("input_lock", routerID) }
func (n *recordingNotifier) InputUnlock(routerID string)   { n.record("input_unlock", routerID) }
func (n *recordingNotifier) Error(routerID, msg string)    { n.record("error", routerID) }
func (n *recordingNotifier) MessageHistory(routerID string, messages interface{}) {
	n.record("message_history", routerID)
}

func newTestService(t *testing.T, client *scriptedClient) (*Service, *store.Store, *recordingNotifier) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	notifier := &recordingNotifier{}
	log := logger.CreateTestLogger(filepath.Join(dir, "test.log"), "debug")
	svc := New(st, client, notifier, log, Config{Model: "gpt-4o-mini", Temperature: 0.1})
	return svc, st, notifier
}

func TestActivateSimpleChat(t *testing.T) {
	client := &scriptedClient{
		structured: []string{`{"agent_required": false, "reason": "small talk"}`},
		texts:      []string{"Hello! How can I help?"},
	}
	svc, st, notifier := newTestService(t, client)
	ctx := context.Background()

	routerID := NewSessionID()
	require.NoError(t, svc.Activate(ctx, routerID, "hi there", nil))

	assert.Equal(t, []string{
		"input_lock:" + routerID,
		"status:" + routerID,
		"response:" + routerID,
		"input_unlock:" + routerID,
	}, notifier.events)

	r, err := st.GetRouter(ctx, routerID)
	require.NoError(t, err)
	assert.Equal(t, store.RouterStatusActive, r.Status)
	assert.Equal(t, "hi there", r.Preview)

	msgs, err := st.GetMessages(ctx, store.AgentRouter, routerID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, store.RoleSystem, msgs[0].Role)
	assert.Equal(t, store.RoleUser, msgs[1].Role)
	assert.Equal(t, store.RoleAssistant, msgs[2].Role)

	// A conversational turn enqueues no planning work.
	pending, err := st.GetPendingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestActivateDelegatesFileTurn(t *testing.T) {
	client := &scriptedClient{}
	svc, st, notifier := newTestService(t, client)
	ctx := context.Background()

	csvPath := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("a,b\n1,2\n"), 0644))

	routerID := NewSessionID()
	require.NoError(t, svc.Activate(ctx, routerID, "analyse this", []string{csvPath}))

	// Input stays locked until the planner completes.
	assert.Equal(t, []string{"input_lock:" + routerID}, notifier.events)

	r, err := st.GetRouter(ctx, routerID)
	require.NoError(t, err)
	assert.Equal(t, store.RouterStatusProcessing, r.Status)

	pending, err := st.GetPendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, store.HandlerInitialPlanning, pending[0].HandlerName)

	var payload struct {
		UserQuestion string   `json:"user_question"`
		Instruction  string   `json:"instruction"`
		Files        []string `json:"files"`
		MessageID    string   `json:"message_id"`
		RouterID     string   `json:"router_id"`
	}
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	assert.Equal(t, "analyse this", payload.UserQuestion)
	assert.Equal(t, []string{csvPath}, payload.Files)
	assert.Equal(t, routerID, payload.RouterID)
	assert.Contains(t, payload.Instruction, "Tabular data")

	// The placeholder assistant message is the last log entry.
	msgs, err := st.GetMessages(ctx, store.AgentRouter, routerID)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, store.RoleAssistant, last.Role)
	var text string
	require.NoError(t, json.Unmarshal(last.Content, &text))
	assert.Equal(t, "Agents assemble!", text)
	assert.Equal(t, last.ID, payload.MessageID)
}

func TestHandleRejectsUnsupportedFile(t *testing.T) {
	client := &scriptedClient{}
	svc, st, notifier := newTestService(t, client)
	ctx := context.Background()

	binPath := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(binPath, []byte{0xff, 0xfe, 0x00, 0x80, 0xc1}, 0644))

	routerID := NewSessionID()
	err := svc.Activate(ctx, routerID, "analyse this", []string{binPath})
	require.Error(t, err)

	// Input is released again on failure.
	assert.Contains(t, notifier.events, "error:"+routerID)
	assert.Contains(t, notifier.events, "input_unlock:"+routerID)

	r, err := st.GetRouter(ctx, routerID)
	require.NoError(t, err)
	assert.Equal(t, store.RouterStatusActive, r.Status)
}

func TestOnPlannerCompleted(t *testing.T) {
	client := &scriptedClient{}
	svc, st, notifier := newTestService(t, client)
	ctx := context.Background()

	routerID := NewSessionID()
	require.NoError(t, st.CreateRouter(ctx, &store.Router{ID: routerID, Status: store.RouterStatusProcessing}))
	require.NoError(t, st.CreatePlanner(ctx, &store.Planner{
		ID:           "p1",
		RouterID:     routerID,
		Status:       store.PlannerStatusCompleted,
		NextHandler:  store.NextHandlerDone,
		UserResponse: "The total is 42.",
	}))

	svc.OnPlannerCompleted(ctx, "p1")

	assert.Equal(t, []string{"response:" + routerID, "input_unlock:" + routerID}, notifier.events)

	r, err := st.GetRouter(ctx, routerID)
	require.NoError(t, err)
	assert.Equal(t, store.RouterStatusActive, r.Status)

	msgs, err := st.GetMessages(ctx, store.AgentRouter, routerID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	linked, err := st.GetPlannerForMessage(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", linked.ID)
}

func TestValidateGrouping(t *testing.T) {
	files := []string{"a.csv", "b.csv", "c.png"}

	good := [][]string{{"a.csv", "b.csv"}, {"c.png"}}
	assert.Equal(t, good, validateGrouping(good, files))

	// A file listed twice invalidates the grouping.
	assert.Nil(t, validateGrouping([][]string{{"a.csv", "a.csv"}, {"b.csv", "c.png"}}, files))
	// A missing file invalidates the grouping.
	assert.Nil(t, validateGrouping([][]string{{"a.csv"}, {"b.csv"}}, files))
	// A file the user never attached invalidates the grouping.
	assert.Nil(t, validateGrouping([][]string{{"a.csv", "b.csv", "c.png", "d.csv"}}, files))
}

func TestGroupFilesFallsBackToSingleGroup(t *testing.T) {
	// The model returns a grouping that does not cover the inputs.
	client := &scriptedClient{structured: []string{`{"groups": [["only-one.csv"]]}`}}
	svc, _, _ := newTestService(t, client)

	files := []string{"a.csv", "b.csv"}
	groups, err := svc.groupFiles(context.Background(), "compare these", files)
	require.NoError(t, err)
	assert.Equal(t, [][]string{files}, groups)
}

func TestClassifyFile(t *testing.T) {
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("x,y\n1,2\n"), 0644))
	txtPath := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(txtPath, []byte("# heading\nplain text"), 0644))
	badCSV := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(badCSV, nil, 0644))
	pngPath := filepath.Join(dir, "chart.PNG")
	writeTestPNG(t, pngPath)
	fakePNG := filepath.Join(dir, "broken.png")
	require.NoError(t, os.WriteFile(fakePNG, []byte("not an image"), 0644))

	assert.Equal(t, categoryCSV, classifyFile(csvPath))
	assert.Equal(t, categoryText, classifyFile(txtPath))
	assert.Equal(t, categoryImage, classifyFile(pngPath))
	assert.Equal(t, categoryPDF, classifyFile(filepath.Join(dir, "report.pdf")))
	assert.Equal(t, categoryRejected, classifyFile(badCSV))
	assert.Equal(t, categoryRejected, classifyFile(fakePNG))
}

func writeTestPNG(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestComposeInstructionsStableOrder(t *testing.T) {
	got := composeInstructions([]classifiedFile{
		{Path: "c.png", Category: categoryImage},
		{Path: "a.csv", Category: categoryCSV},
		{Path: "b.csv", Category: categoryCSV},
	})
	// CSV guidance leads regardless of input order, and duplicates collapse.
	assert.True(t, strings.HasPrefix(got, "Tabular data"))
	assert.Contains(t, got, "An image was provided")
	assert.Equal(t, 1, strings.Count(got, "Tabular data"))
}

func TestUpdateTitle(t *testing.T) {
	client := &scriptedClient{structured: []string{`{"title": "Quarterly Sales Review"}`}}
	svc, st, _ := newTestService(t, client)
	ctx := context.Background()

	routerID := NewSessionID()
	require.NoError(t, st.CreateRouter(ctx, &store.Router{ID: routerID, Status: store.RouterStatusActive}))
	_, err := st.AddMessage(ctx, store.AgentRouter, routerID, store.RoleUser, llm.EncodeText("how did Q2 go?"))
	require.NoError(t, err)

	title, err := svc.UpdateTitle(ctx, routerID)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly Sales Review", title)

	r, err := st.GetRouter(ctx, routerID)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly Sales Review", r.Title)
}

func TestUpdateTitleWithoutUserMessagesFails(t *testing.T) {
	svc, st, _ := newTestService(t, &scriptedClient{})
	ctx := context.Background()

	routerID := NewSessionID()
	require.NoError(t, st.CreateRouter(ctx, &store.Router{ID: routerID, Status: store.RouterStatusActive}))

	_, err := svc.UpdateTitle(ctx, routerID)
	assert.Error(t, err)
}
