package preload

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Feature flags carried in Launch.Flags.
const (
	FlagRefPaths        = 1
	FlagMTA             = 2 // accepted for compatibility, has no effect
	FlagConsole         = 4
	FlagRedirectConsole = 8
	FlagNativePaths     = 16
	FlagFromEditor      = 32
	FlagIsPortable      = 64
	FlagPreloaded       = 128
)

// Task kinds.
const (
	KindLua  = "lua"
	KindExec = "exec"
)

const maxPayload = 16 << 20

var ErrPayloadTooLarge = errors.New("launch payload too large")

// Launch is everything a worker needs to run one task. It is sent over the
// slot pipe as a little-endian int32 length followed by JSON.
type Launch struct {
	Target          string   `json:"target"`
	Name            string   `json:"name"`
	Kind            string   `json:"kind"`
	Args            []string `json:"args,omitempty"`
	Flags           int      `json:"flags"`
	ResultPipe      string   `json:"result_pipe,omitempty"`
	Workspace       string   `json:"workspace"`
	Dir             string   `json:"dir,omitempty"`
	MainScriptID    uint32   `json:"main_script_id"`
	HostPID         int      `json:"host_pid"`
	MessageTargetID int      `json:"message_target_id"`
	RefPaths        []string `json:"ref_paths,omitempty"`
	NativePaths     []string `json:"native_paths,omitempty"`

	PauseKey      string `json:"pause_key,omitempty"`
	ExitKey       string `json:"exit_key,omitempty"`
	ExitOnSuspend bool   `json:"exit_on_suspend,omitempty"`
	ExitOnLock    bool   `json:"exit_on_lock,omitempty"`
}

// Has reports whether flag is set.
func (l Launch) Has(flag int) bool { return l.Flags&flag != 0 }

// WritePayload writes l length-prefixed to w.
func WritePayload(w io.Writer, l Launch) error {
	body, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal launch: %w", err)
	}
	if len(body) > maxPayload {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write launch: %w", err)
	}
	return nil
}

// ReadPayload reads one length-prefixed launch from r.
func ReadPayload(r io.Reader) (Launch, error) {
	var l Launch
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return l, fmt.Errorf("read launch length: %w", err)
	}
	n := int32(binary.LittleEndian.Uint32(hdr[:]))
	if n <= 0 || n > maxPayload {
		return l, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return l, fmt.Errorf("read launch body: %w", err)
	}
	if err := json.Unmarshal(body, &l); err != nil {
		return l, fmt.Errorf("unmarshal launch: %w", err)
	}
	return l, nil
}
