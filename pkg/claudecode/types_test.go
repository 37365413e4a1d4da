package claudecode

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_InitFrame(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"remote-123"}`
	frame, err := Parse([]byte(line))
	require.NoError(t, err)
	assert.True(t, frame.IsInit())
	assert.Equal(t, "remote-123", frame.SessionID)
}

func TestParse_AssistantBlocks(t *testing.T) {
	line := `{"type":"assistant","message":{"id":"msg_01","content":[` +
		`{"type":"text","text":"hi"},` +
		`{"type":"thinking","thinking":"hmm"},` +
		`{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}]}}`
	frame, err := Parse([]byte(line))
	require.NoError(t, err)

	blocks := frame.Blocks()
	require.Len(t, blocks, 3)
	assert.Equal(t, "hi", blocks[0].Text)
	assert.Equal(t, "hmm", blocks[1].Thinking)
	assert.Equal(t, "tu_1", blocks[2].ID)
	assert.Equal(t, "Bash", blocks[2].Name)
}

func TestParse_NotJSON(t *testing.T) {
	_, err := Parse([]byte("plain garbage"))
	assert.Error(t, err)
}

func TestIsTurnTerminator(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{`{"type":"result","result":"done"}`, true},
		{`{"type":"error"}`, true},
		{`{"type":"system","subtype":"error"}`, true},
		{`{"type":"system","subtype":"init","session_id":"x"}`, false},
		{`{"type":"assistant"}`, false},
	}
	for _, tc := range cases {
		frame, err := Parse([]byte(tc.line))
		require.NoError(t, err)
		assert.Equal(t, tc.want, frame.IsTurnTerminator(), tc.line)
	}
}

func TestNewUserInput_DefaultSession(t *testing.T) {
	data, err := NewUserInput("hello", "").Marshal()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "user", decoded["type"])
	assert.Equal(t, "default", decoded["session_id"])
	// parent_tool_use_id must be present and null.
	v, ok := decoded["parent_tool_use_id"]
	assert.True(t, ok)
	assert.Nil(t, v)

	msg := decoded["message"].(map[string]interface{})
	assert.Equal(t, "user", msg["role"])
	assert.Equal(t, "hello", msg["content"])
}

func TestNewUserInput_RemoteSession(t *testing.T) {
	u := NewUserInput("hello", "remote-9")
	assert.Equal(t, "remote-9", u.SessionID)
}

func TestContentText_StringAndBlocks(t *testing.T) {
	frame, err := Parse([]byte(`{"type":"tool_result","tool_use_id":"tu_1","content":"plain"}`))
	require.NoError(t, err)
	assert.Equal(t, "plain", frame.ContentText())

	frame, err = Parse([]byte(`{"type":"tool_result","tool_use_id":"tu_1","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "ab", frame.ContentText())
}

func TestVaultEntry_StableID(t *testing.T) {
	e := &VaultEntry{UUID: "u-1", Message: &Message{ID: "m-1"}}
	assert.Equal(t, "u-1", e.StableID())

	e = &VaultEntry{Message: &Message{ID: "m-1"}}
	assert.Equal(t, "m-1", e.StableID())

	e = &VaultEntry{}
	assert.Equal(t, "", e.StableID())
}

func TestVaultEntry_TextContent(t *testing.T) {
	var e VaultEntry
	require.NoError(t, json.Unmarshal([]byte(`{"type":"user","message":{"content":"bare string"}}`), &e))
	assert.Equal(t, "bare string", e.TextContent())

	require.NoError(t, json.Unmarshal([]byte(`{"type":"user","message":{"content":[{"type":"text","text":"from block"}]}}`), &e))
	assert.Equal(t, "from block", e.TextContent())
}
