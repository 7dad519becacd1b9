package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"datapilot/pkg/store"
)

func TestDecodeContentString(t *testing.T) {
	parts, err := DecodeContent(EncodeText("hello"))
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "hello", parts[0].Text)
}

func TestDecodeContentParts(t *testing.T) {
	raw, err := EncodeParts([]Part{TextPart("caption"), ImagePart("aGVsbG8=")})
	require.NoError(t, err)

	parts, err := DecodeContent(raw)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "caption", parts[0].Text)
	require.NotNil(t, parts[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", parts[1].ImageURL.URL)
}

func TestDecodeContentRejectsOtherShapes(t *testing.T) {
	_, err := DecodeContent(json.RawMessage(`{"not": "a message"}`))
	assert.Error(t, err)
}

func TestPlainTextSkipsImages(t *testing.T) {
	got := PlainText([]Part{TextPart("a"), ImagePart("xx"), TextPart("b")})
	assert.Equal(t, "a\nb", got)
}

func TestFromStoreMessagesDropsUndecodable(t *testing.T) {
	msgs := []store.Message{
		{Role: store.RoleUser, Content: EncodeText("q")},
		{Role: store.RoleAssistant, Content: json.RawMessage(`{"bad": true}`)},
		{Role: store.RoleAssistant, Content: EncodeText("a")},
	}
	chat := FromStoreMessages(msgs)
	require.Len(t, chat, 2)
	assert.Equal(t, store.RoleUser, chat[0].Role)
	assert.Equal(t, "a", chat[1].Parts[0].Text)
}

func TestToLangchainMergesSameRoleRuns(t *testing.T) {
	out := toLangchain([]ChatMessage{
		Text(store.RoleSystem, "rules"),
		Text(store.RoleUser, "question"),
		Text(store.RoleDeveloper, "hint"),
		Text(store.RoleAssistant, "answer"),
	})

	// user and developer collapse into one human turn.
	require.Len(t, out, 3)
	assert.Equal(t, llms.ChatMessageTypeSystem, out[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, out[1].Role)
	assert.Len(t, out[1].Parts, 2)
	assert.Equal(t, llms.ChatMessageTypeAI, out[2].Role)
}

func TestToLangchainSkipsEmptyMessages(t *testing.T) {
	out := toLangchain([]ChatMessage{
		{Role: store.RoleUser},
		Text(store.RoleUser, "real"),
	})
	require.Len(t, out, 1)
}

func TestCleanJSONContent(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                        `{"a":1}`,
		"```json\n{\"a\":1}\n```":        `{"a":1}`,
		"```\n{\"a\":1}\n```":            `{"a":1}`,
		"prose first\n```json\n[]\n```":  `[]`,
		"  {\"padded\": true}  ":         `{"padded": true}`,
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanJSONContent(in), "input=%q", in)
	}
}

func TestProviderForModel(t *testing.T) {
	assert.Equal(t, ProviderAnthropic, ProviderForModel("claude-sonnet-4-0"))
	assert.Equal(t, ProviderGoogle, ProviderForModel("gemini-2.0-flash"))
	assert.Equal(t, ProviderOpenAI, ProviderForModel("gpt-4o-mini"))
	assert.Equal(t, ProviderOpenAI, ProviderForModel("o4-mini"))
}

func TestCountTokensNeverZeroForText(t *testing.T) {
	text := "hello world, this is a sentence about quarterly revenue"
	n := countTokens("gpt-4o", text)
	assert.Greater(t, n, 0)
	assert.LessOrEqual(t, n, len(text))
}
