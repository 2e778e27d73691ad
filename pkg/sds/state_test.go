package sds

import (
	"bytes"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sanonone/pmemcore/pkg/metrics"
)

type fakeDevice struct {
	ids []string
	usc uint64
}

// fakeDirectory maps paths to devices and can fail on demand.
type fakeDirectory struct {
	files   map[string]fakeDevice
	failIDs bool
	failUSC bool
}

var errBusy = errors.New("device busy")

func (d *fakeDirectory) DeviceIDs(path string) ([]string, error) {
	if d.failIDs {
		return nil, errBusy
	}
	return d.files[path].ids, nil
}

func (d *fakeDirectory) UnsafeShutdownCount(path string) (uint64, error) {
	if d.failUSC {
		return 0, errBusy
	}
	return d.files[path].usc, nil
}

func newDirectory() *fakeDirectory {
	return &fakeDirectory{files: map[string]fakeDevice{
		"/pool/part0": {ids: []string{"8089-a2-1837-00000d58", "8089-a2-1837-00000d59"}, usc: 3},
		"/pool/part1": {ids: []string{"8089-a2-1837-00000e10"}, usc: 1},
	}}
}

// build accumulates every part of the fake pool into a fresh record.
func build(t *testing.T, dir DeviceDirectory) *State {
	t.Helper()
	s := New()
	s.Init()
	for _, p := range []string{"/pool/part0", "/pool/part1"} {
		if err := s.AddDevice(dir, p); err != nil {
			t.Fatalf("AddDevice(%s): %v", p, err)
		}
	}
	return s
}

// stored returns a record bound to its own buffer, the way a pool would.
func stored(t *testing.T) (*State, []byte) {
	t.Helper()
	buf := make([]byte, Size)
	s, err := Bind(buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s, buf
}

func TestInitIsValidAndClean(t *testing.T) {
	s := New()
	if !s.IsZero() {
		t.Fatal("new record should be all zero")
	}
	s.Init()
	if s.IsZero() {
		t.Error("Init must write a checksum")
	}
	if !s.Valid() || s.Dirty() || s.Signature() != 0 || s.UnsafeShutdownCount() != 0 {
		t.Errorf("unexpected record after Init: valid=%v dirty=%v sig=%d usc=%d",
			s.Valid(), s.Dirty(), s.Signature(), s.UnsafeShutdownCount())
	}
}

func TestAddDeviceAccumulates(t *testing.T) {
	dir := newDirectory()
	s := build(t, dir)

	if got := s.UnsafeShutdownCount(); got != 4 {
		t.Errorf("usc = %d, want 4", got)
	}
	if !s.Valid() {
		t.Error("record must stay valid after every AddDevice")
	}

	// The signature does not depend on the order devices are added in.
	r := New()
	r.Init()
	_ = r.AddDevice(dir, "/pool/part1")
	_ = r.AddDevice(dir, "/pool/part0")
	if r.Signature() != s.Signature() {
		t.Errorf("signature depends on order: %x vs %x", r.Signature(), s.Signature())
	}
}

func TestAddDeviceFailureLeavesRecord(t *testing.T) {
	for _, tc := range []struct {
		name string
		dir  *fakeDirectory
	}{
		{"ids", &fakeDirectory{failIDs: true}},
		{"usc", &fakeDirectory{failUSC: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := build(t, newDirectory())
			before := bytes.Clone(s.Bytes())

			err := s.AddDevice(tc.dir, "/pool/part0")
			if !errors.Is(err, ErrQueryFailed) || !errors.Is(err, errBusy) {
				t.Fatalf("got %v, want ErrQueryFailed wrapping the cause", err)
			}
			if !bytes.Equal(before, s.Bytes()) {
				t.Error("record changed after a failed query")
			}
		})
	}
}

func TestBindShortBuffer(t *testing.T) {
	if _, err := Bind(make([]byte, Size-1), nil); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("got %v, want ErrShortBuffer", err)
	}
}

func TestMutationsArePersisted(t *testing.T) {
	buf := make([]byte, Size)
	var persisted [Size]bool
	s, err := Bind(buf, func(b []byte) {
		// Record which bytes of buf each call covered.
		start := len(buf) - cap(b)
		for i := range b {
			persisted[start+i] = true
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	s.Init()
	s.SetDirty()
	for i := range persisted {
		if !persisted[i] {
			t.Errorf("byte %d was written but never persisted", i)
		}
	}
}

func TestCheckDecisionTable(t *testing.T) {
	dir := newDirectory()
	current := build(t, dir)

	tests := []struct {
		name      string
		prepare   func(t *testing.T, s *State)
		wantErr   error
		outcome   string
		wantClean bool // stored must end up valid, clean and matching current
	}{
		{
			name:      "never initialized",
			prepare:   func(t *testing.T, s *State) {},
			outcome:   "reinit_zero",
			wantClean: true,
		},
		{
			name: "torn record",
			prepare: func(t *testing.T, s *State) {
				s.reinitFrom(current)
				s.SetDirty()
				s.buf[offChecksum] ^= 0xff
			},
			outcome:   "reinit_checksum",
			wantClean: true,
		},
		{
			name: "clean close",
			prepare: func(t *testing.T, s *State) {
				s.reinitFrom(current)
			},
			outcome:   "clean",
			wantClean: true,
		},
		{
			name: "killed while open",
			prepare: func(t *testing.T, s *State) {
				s.reinitFrom(current)
				s.SetDirty()
			},
			outcome:   "reinit_killed",
			wantClean: true,
		},
		{
			name: "power loss after clean close",
			prepare: func(t *testing.T, s *State) {
				old := build(t, &fakeDirectory{files: map[string]fakeDevice{
					"/pool/part0": {ids: dir.files["/pool/part0"].ids, usc: 2},
					"/pool/part1": dir.files["/pool/part1"],
				}})
				s.reinitFrom(old)
			},
			outcome:   "reinit_power_loss_closed",
			wantClean: true,
		},
		{
			name: "devices replaced while closed",
			prepare: func(t *testing.T, s *State) {
				old := build(t, &fakeDirectory{files: map[string]fakeDevice{
					"/pool/part0": {ids: []string{"other-dimm"}, usc: 3},
					"/pool/part1": dir.files["/pool/part1"],
				}})
				s.reinitFrom(old)
			},
			outcome:   "reinit_power_loss_closed",
			wantClean: true,
		},
		{
			name: "power loss while open",
			prepare: func(t *testing.T, s *State) {
				old := build(t, &fakeDirectory{files: map[string]fakeDevice{
					"/pool/part0": {ids: dir.files["/pool/part0"].ids, usc: 2},
					"/pool/part1": dir.files["/pool/part1"],
				}})
				s.reinitFrom(old)
				s.SetDirty()
			},
			wantErr: ErrCorruptionRisk,
			outcome: "corruption_risk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, buf := stored(t)
			tt.prepare(t, s)
			before := bytes.Clone(buf)
			counter := metrics.ShutdownStateChecks.WithLabelValues(tt.outcome)
			hits := testutil.ToFloat64(counter)

			err := Check(current, s)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Check: got %v, want %v", err, tt.wantErr)
			}
			if got := testutil.ToFloat64(counter) - hits; got != 1 {
				t.Errorf("outcome %q counted %v times, want 1", tt.outcome, got)
			}

			if tt.wantClean {
				if !s.Valid() || s.Dirty() || !s.matches(current) {
					t.Errorf("stored not reinitialized: valid=%v dirty=%v match=%v",
						s.Valid(), s.Dirty(), s.matches(current))
				}
			} else if !bytes.Equal(before, buf) {
				t.Error("record modified in the corruption-risk case")
			}
			if tt.outcome == "clean" && !bytes.Equal(before, buf) {
				t.Error("clean check must not mutate the record")
			}
		})
	}
}

func TestCheckDetectsTampering(t *testing.T) {
	current := build(t, newDirectory())

	// Flip each bit of the signature, counter and flag fields in turn.
	for byteIdx := 0; byteIdx <= offDirty; byteIdx++ {
		for bit := 0; bit < 8; bit++ {
			s, buf := stored(t)
			s.reinitFrom(current)
			buf[byteIdx] ^= 1 << bit

			if s.Valid() {
				t.Fatalf("flip of byte %d bit %d not detected", byteIdx, bit)
			}
			if err := Check(current, s); err != nil {
				t.Fatalf("Check after tamper: %v", err)
			}
			if !s.Valid() || s.Dirty() || !s.matches(current) {
				t.Fatalf("byte %d bit %d: record not reinitialized", byteIdx, bit)
			}
		}
	}
}

func TestOpenCloseCycle(t *testing.T) {
	dir := newDirectory()
	s, _ := stored(t)

	// Create.
	s.Init()
	for _, p := range []string{"/pool/part0", "/pool/part1"} {
		if err := s.AddDevice(dir, p); err != nil {
			t.Fatal(err)
		}
	}

	// Open, clean close, reopen.
	for i := 0; i < 2; i++ {
		if err := Check(build(t, dir), s); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		s.SetDirty()
		s.ClearDirty()
	}

	// Open, then lose power: the counter moves while the record is dirty.
	if err := Check(build(t, dir), s); err != nil {
		t.Fatal(err)
	}
	s.SetDirty()
	dir.files["/pool/part1"] = fakeDevice{ids: dir.files["/pool/part1"].ids, usc: 2}

	if err := Check(build(t, dir), s); !errors.Is(err, ErrCorruptionRisk) {
		t.Fatalf("reopen after power loss: got %v, want ErrCorruptionRisk", err)
	}
}
