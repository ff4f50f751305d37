package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/martiangreed/marathon/internal/domain"
)

// This file implements the per-type payload encode/decode functions named
// in spec section 6's message-type table. Strings are length-prefixed
// (u32 big-endian) UTF-8; optional fields are prefixed by a presence byte.
// Maps are encoded as a u32 BE count followed by key/value string pairs.

type encoder struct {
	buf []byte
}

func (e *encoder) byte(b byte)     { e.buf = append(e.buf, b) }
func (e *encoder) bool(b bool) {
	if b {
		e.byte(1)
	} else {
		e.byte(0)
	}
}
func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}
func (e *encoder) i32(v int32)    { e.u32(uint32(v)) }
func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}
func (e *encoder) f64(v float64)  { e.u64(math.Float64bits(v)) }
func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}
func (e *encoder) optStr(present bool, s string) {
	e.bool(present)
	if present {
		e.str(s)
	}
}
func (e *encoder) strMap(m map[string]string) {
	e.u32(uint32(len(m)))
	for k, v := range m {
		e.str(k)
		e.str(v)
	}
}
func (e *encoder) bytesRaw(b []byte) { e.buf = append(e.buf, b...) }

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.fail(fmt.Errorf("wire: truncated payload: need %d bytes at offset %d, have %d", n, d.off, len(d.buf)))
		return false
	}
	return true
}

func (d *decoder) byteVal() byte {
	if !d.need(1) {
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}
func (d *decoder) boolVal() bool { return d.byteVal() != 0 }
func (d *decoder) u32Val() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off : d.off+4])
	d.off += 4
	return v
}
func (d *decoder) i32Val() int32 { return int32(d.u32Val()) }
func (d *decoder) u64Val() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.off : d.off+8])
	d.off += 8
	return v
}
func (d *decoder) f64Val() float64 { return math.Float64frombits(d.u64Val()) }
func (d *decoder) strVal() string {
	n := d.u32Val()
	if !d.need(int(n)) {
		return ""
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return s
}
func (d *decoder) optStrVal() (bool, string) {
	present := d.boolVal()
	if !present {
		return false, ""
	}
	return true, d.strVal()
}
func (d *decoder) strMapVal() map[string]string {
	n := d.u32Val()
	if d.err != nil {
		return nil
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k := d.strVal()
		v := d.strVal()
		if d.err != nil {
			return nil
		}
		m[k] = v
	}
	return m
}
func (d *decoder) restBytes() []byte {
	if d.err != nil {
		return nil
	}
	b := d.buf[d.off:]
	d.off = len(d.buf)
	return b
}

// --- OUTPUT (0x01) ---

type OutputPayload struct {
	Stderr bool
	Data   []byte
}

func EncodeOutput(p OutputPayload) []byte {
	e := &encoder{}
	e.bool(p.Stderr)
	e.bytesRaw(p.Data)
	return e.buf
}

func DecodeOutput(payload []byte) (OutputPayload, error) {
	d := &decoder{buf: payload}
	p := OutputPayload{Stderr: d.boolVal()}
	p.Data = d.restBytes()
	return p, d.err
}

// --- METRICS (0x02) — legacy; COMPLETE is authoritative ---

type MetricsPayload struct {
	InputTokens  uint32
	OutputTokens uint32
	CostUSD      float64
}

func EncodeMetrics(p MetricsPayload) []byte {
	e := &encoder{}
	e.u32(p.InputTokens)
	e.u32(p.OutputTokens)
	e.f64(p.CostUSD)
	return e.buf
}

func DecodeMetrics(payload []byte) (MetricsPayload, error) {
	d := &decoder{buf: payload}
	p := MetricsPayload{
		InputTokens:  d.u32Val(),
		OutputTokens: d.u32Val(),
		CostUSD:      d.f64Val(),
	}
	return p, d.err
}

// --- COMPLETE (0x03) ---

type CompletePayload struct {
	ExitCode     int32
	Usage        domain.UsageMetrics
	Iteration    uint32
	PromiseFound bool
	ArtifactURL  string // empty means absent
}

func encodeUsage(e *encoder, u domain.UsageMetrics) {
	e.u64(uint64(u.ComputeTimeMs))
	e.u32(uint32(u.InputTokens))
	e.u32(uint32(u.OutputTokens))
	e.u32(uint32(u.CacheReadTokens))
	e.u32(uint32(u.CacheWriteTokens))
	e.u32(uint32(u.ToolCalls))
}

func decodeUsage(d *decoder) domain.UsageMetrics {
	return domain.UsageMetrics{
		ComputeTimeMs:    int64(d.u64Val()),
		InputTokens:      int64(d.u32Val()),
		OutputTokens:     int64(d.u32Val()),
		CacheReadTokens:  int64(d.u32Val()),
		CacheWriteTokens: int64(d.u32Val()),
		ToolCalls:        int64(d.u32Val()),
	}
}

func EncodeComplete(p CompletePayload) []byte {
	e := &encoder{}
	e.i32(p.ExitCode)
	encodeUsage(e, p.Usage)
	e.u32(p.Iteration)
	e.bool(p.PromiseFound)
	e.optStr(p.ArtifactURL != "", p.ArtifactURL)
	return e.buf
}

func DecodeComplete(payload []byte) (CompletePayload, error) {
	d := &decoder{buf: payload}
	p := CompletePayload{}
	p.ExitCode = d.i32Val()
	p.Usage = decodeUsage(d)
	p.Iteration = d.u32Val()
	p.PromiseFound = d.boolVal()
	_, p.ArtifactURL = d.optStrVal()
	return p, d.err
}

// --- ERROR (0x04) ---

type ErrorPayload struct {
	Code    string
	Message string
}

func EncodeError(p ErrorPayload) []byte {
	e := &encoder{}
	e.str(p.Code)
	e.str(p.Message)
	return e.buf
}

func DecodeError(payload []byte) (ErrorPayload, error) {
	d := &decoder{buf: payload}
	p := ErrorPayload{Code: d.strVal(), Message: d.strVal()}
	return p, d.err
}

// --- READY (0x05) ---

type ReadyPayload struct {
	VMID uint32
}

func EncodeReady(p ReadyPayload) []byte {
	e := &encoder{}
	e.u32(p.VMID)
	return e.buf
}

func DecodeReady(payload []byte) (ReadyPayload, error) {
	d := &decoder{buf: payload}
	p := ReadyPayload{VMID: d.u32Val()}
	return p, d.err
}

// --- TASK_START (0x06) ---

type TaskStartPayload struct {
	TaskID            string
	RepoURL           string
	Branch            string
	Prompt            string
	CredentialToken   string
	ForgeHost         string
	CreateArtifact    bool
	ArtifactMetadata  map[string]string
	EnvOverrides      map[string]string
	MaxIterations     uint32
	CompletionPromise string // empty means absent
}

func EncodeTaskStart(p TaskStartPayload) []byte {
	e := &encoder{}
	e.str(p.TaskID)
	e.str(p.RepoURL)
	e.str(p.Branch)
	e.str(p.Prompt)
	e.str(p.CredentialToken)
	e.str(p.ForgeHost)
	e.bool(p.CreateArtifact)
	e.strMap(p.ArtifactMetadata)
	e.strMap(p.EnvOverrides)
	e.u32(p.MaxIterations)
	e.optStr(p.CompletionPromise != "", p.CompletionPromise)
	return e.buf
}

func DecodeTaskStart(payload []byte) (TaskStartPayload, error) {
	d := &decoder{buf: payload}
	p := TaskStartPayload{}
	p.TaskID = d.strVal()
	p.RepoURL = d.strVal()
	p.Branch = d.strVal()
	p.Prompt = d.strVal()
	p.CredentialToken = d.strVal()
	p.ForgeHost = d.strVal()
	p.CreateArtifact = d.boolVal()
	p.ArtifactMetadata = d.strMapVal()
	p.EnvOverrides = d.strMapVal()
	p.MaxIterations = d.u32Val()
	_, p.CompletionPromise = d.optStrVal()
	return p, d.err
}

// --- PROGRESS (0x07) ---

type ProgressPayload struct {
	Iteration     uint32
	MaxIterations uint32
	Status        string
}

func EncodeProgress(p ProgressPayload) []byte {
	e := &encoder{}
	e.u32(p.Iteration)
	e.u32(p.MaxIterations)
	e.str(p.Status)
	return e.buf
}

func DecodeProgress(payload []byte) (ProgressPayload, error) {
	d := &decoder{buf: payload}
	p := ProgressPayload{
		Iteration:     d.u32Val(),
		MaxIterations: d.u32Val(),
		Status:        d.strVal(),
	}
	return p, d.err
}

// --- CANCEL (0x08) — empty payload ---

func EncodeCancel() []byte { return nil }

// --- HEARTBEAT (0x10) — coordinator<->node wire ---

// HeartbeatPayload carries a node daemon's self-reported status (spec
// section 4.3/4.5): the first heartbeat doubles as registration.
type HeartbeatPayload struct {
	NodeID         string
	Hostname       string
	TotalSlots     uint32
	ActiveVMs      uint32
	WarmVMs        uint32
	CPUFraction    float64
	MemoryFraction float64
	DiskFreeBytes  uint64
	Healthy        bool
	Draining       bool
	UptimeSeconds  uint64
	LastTaskUnixMs uint64 // 0 means "no task has ever run"
}

func EncodeHeartbeat(p HeartbeatPayload) []byte {
	e := &encoder{}
	e.str(p.NodeID)
	e.str(p.Hostname)
	e.u32(p.TotalSlots)
	e.u32(p.ActiveVMs)
	e.u32(p.WarmVMs)
	e.f64(p.CPUFraction)
	e.f64(p.MemoryFraction)
	e.u64(p.DiskFreeBytes)
	e.bool(p.Healthy)
	e.bool(p.Draining)
	e.u64(p.UptimeSeconds)
	e.u64(p.LastTaskUnixMs)
	return e.buf
}

func DecodeHeartbeat(payload []byte) (HeartbeatPayload, error) {
	d := &decoder{buf: payload}
	p := HeartbeatPayload{
		NodeID:         d.strVal(),
		Hostname:       d.strVal(),
		TotalSlots:     d.u32Val(),
		ActiveVMs:      d.u32Val(),
		WarmVMs:        d.u32Val(),
		CPUFraction:    d.f64Val(),
		MemoryFraction: d.f64Val(),
		DiskFreeBytes:  d.u64Val(),
		Healthy:        d.boolVal(),
		Draining:       d.boolVal(),
		UptimeSeconds:  d.u64Val(),
		LastTaskUnixMs: d.u64Val(),
	}
	return p, d.err
}

// --- ASSIGN_TASK (0x11) — coordinator<->node wire ---
//
// Reuses TaskStartPayload verbatim: spec section 6 describes TASK_START's
// payload as "full task descriptor", and ASSIGN_TASK carries exactly the
// same descriptor from coordinator to node as TASK_START later carries
// from node to VM agent. One struct, two message types, per SPEC_FULL.md's
// "one wire format, two transports" note.

func EncodeAssignTask(p TaskStartPayload) []byte { return EncodeTaskStart(p) }
func DecodeAssignTask(payload []byte) (TaskStartPayload, error) { return DecodeTaskStart(payload) }

// --- CANCEL_TASK (0x12) — coordinator<->node wire ---

type CancelTaskPayload struct {
	TaskID string
}

func EncodeCancelTask(p CancelTaskPayload) []byte {
	e := &encoder{}
	e.str(p.TaskID)
	return e.buf
}

func DecodeCancelTask(payload []byte) (CancelTaskPayload, error) {
	d := &decoder{buf: payload}
	p := CancelTaskPayload{TaskID: d.strVal()}
	return p, d.err
}

// --- TASK_EVENT (0x13) — coordinator<->node wire ---
//
// Wraps one forwarded host<->guest frame (OUTPUT/METRICS/PROGRESS/COMPLETE/
// ERROR) with the task id it belongs to, so the node daemon can multiplex
// many VMs' events onto the single coordinator connection (spec section
// 2's dataflow: "node daemon multiplexes them ... forwards task events").
type TaskEventPayload struct {
	TaskID      string
	InnerType   MsgType
	InnerPayload []byte
}

func EncodeTaskEvent(p TaskEventPayload) []byte {
	e := &encoder{}
	e.str(p.TaskID)
	e.byte(byte(p.InnerType))
	e.u32(uint32(len(p.InnerPayload)))
	e.bytesRaw(p.InnerPayload)
	return e.buf
}

func DecodeTaskEvent(payload []byte) (TaskEventPayload, error) {
	d := &decoder{buf: payload}
	p := TaskEventPayload{TaskID: d.strVal(), InnerType: MsgType(d.byteVal())}
	n := d.u32Val()
	if d.need(int(n)) {
		p.InnerPayload = append([]byte(nil), d.buf[d.off:d.off+int(n)]...)
		d.off += int(n)
	}
	return p, d.err
}
