package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantCmd string
		wantErr bool
	}{
		{
			name:    "run message",
			input:   `{"cmd":"run","target":"backup.lua","args":["a","b"],"mode":3}`,
			wantCmd: CmdRun,
		},
		{
			name:    "command line run",
			input:   `{"cmd":"run_cl","target":"backup"}`,
			wantCmd: CmdRunCL,
		},
		{
			name:    "end message",
			input:   `{"cmd":"end","target":"backup"}`,
			wantCmd: CmdEnd,
		},
		{
			name:    "exit code",
			input:   `{"cmd":"exit_code","pid":42}`,
			wantCmd: CmdExitCode,
		},
		{
			name:    "invalid json",
			input:   `not json`,
			wantErr: true,
		},
		{
			name:    "missing cmd",
			input:   `{"target":"abc"}`,
			wantErr: true,
		},
		{
			name:    "unknown cmd",
			input:   `{"cmd":"reboot"}`,
			wantErr: true,
		},
		{
			name:    "run without target",
			input:   `{"cmd":"run"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, _, err := ParseMessage([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cmd != tt.wantCmd {
				t.Errorf("cmd = %q, want %q", cmd, tt.wantCmd)
			}
		})
	}
}

func TestRunMessageRoundTripPreservesArgs(t *testing.T) {
	in := RunMessage{
		Cmd:        CmdRun,
		Target:     "dir/task.lua",
		Args:       []string{"", "with space", "ünïcode", "\"quoted\""},
		ResultPipe: "tr-123",
		Mode:       ModeWait | ModeCollect,
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	_, msg, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	out := msg.(*RunMessage)
	if !reflect.DeepEqual(in.Args, out.Args) {
		t.Errorf("args = %q, want %q", out.Args, in.Args)
	}
	if out.Mode != ModeWait|ModeCollect || out.ResultPipe != "tr-123" {
		t.Errorf("unexpected message: %+v", out)
	}
}

func TestRunMessageRejectsNUL(t *testing.T) {
	m := RunMessage{Cmd: CmdRun, Target: "x", Args: []string{"ok", "bad\x00arg"}}
	if err := m.Validate(); !errors.Is(err, ErrArgContainsNUL) {
		t.Fatalf("Validate() = %v, want ErrArgContainsNUL", err)
	}
}

func TestScriptRef(t *testing.T) {
	id := ScriptID("Tools/Backup.lua")
	if id != ScriptID("tools/backup.lua") {
		t.Error("ScriptID should be case-insensitive")
	}
	ref := FormatScriptRef(id)
	got, ok := ParseScriptRef(ref)
	if !ok || got != id {
		t.Errorf("ParseScriptRef(%q) = %d, %v", ref, got, ok)
	}
	for _, bad := range []string{"", "<>", "<x>", "123", "<0>"} {
		if _, ok := ParseScriptRef(bad); ok {
			t.Errorf("ParseScriptRef(%q) should fail", bad)
		}
	}
}

func TestDescribeResult(t *testing.T) {
	if DescribeResult(ResultDeferred) != "deferred" {
		t.Errorf("DescribeResult(-3) = %q", DescribeResult(ResultDeferred))
	}
	if DescribeResult(1234) != "started pid 1234" {
		t.Errorf("DescribeResult(1234) = %q", DescribeResult(1234))
	}
}
