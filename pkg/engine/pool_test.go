package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sanonone/pmemcore/pkg/devdir"
	"github.com/sanonone/pmemcore/pkg/platform"
	"github.com/sanonone/pmemcore/pkg/sds"
)

// poolFixture is a two-part pool on temp files with a scripted device directory.
type poolFixture struct {
	rt    *Runtime
	dir   *devdir.Static
	paths []string
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	tmp := t.TempDir()
	fx := &poolFixture{
		dir:   devdir.NewStatic(),
		paths: []string{filepath.Join(tmp, "pool.part0"), filepath.Join(tmp, "pool.part1")},
	}
	fx.dir.SetDevices(fx.paths[0],
		devdir.Device{ID: "8089-a2-1837-00000d58", UnsafeShutdownCount: 3},
		devdir.Device{ID: "8089-a2-1837-00000d59", UnsafeShutdownCount: 0})
	fx.dir.SetDevices(fx.paths[1],
		devdir.Device{ID: "8089-a2-1837-00000e10", UnsafeShutdownCount: 1})

	rt, err := Open(Options{Probe: platform.Static(false), Directory: fx.dir})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	fx.rt = rt
	t.Cleanup(func() {
		if err := rt.Close(); err != nil {
			t.Errorf("runtime close: %v", err)
		}
	})
	return fx
}

func TestPoolCreateReopen(t *testing.T) {
	fx := newPoolFixture(t)

	// 1. Create and write some data.
	p, err := CreatePool(fx.rt, fx.paths, 64<<10)
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	id := p.UUID()
	if !p.ShutdownState().Dirty() {
		t.Error("a freshly created pool is open and must be dirty")
	}
	if p.ShutdownState().UnsafeShutdownCount() != 4 {
		t.Errorf("usc = %d, want 4", p.ShutdownState().UnsafeShutdownCount())
	}
	copy(p.Data(1), "payload")
	p.Part(1).Persist(p.Data(1)[:7])

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	// 2. Reopen after a clean close.
	p, err = OpenPool(fx.rt, fx.paths)
	if err != nil {
		t.Fatalf("OpenPool failed: %v", err)
	}
	if p.UUID() != id {
		t.Errorf("uuid = %s, want %s", p.UUID(), id)
	}
	if p.Parts() != 2 {
		t.Errorf("parts = %d, want 2", p.Parts())
	}
	if got := string(p.Data(1)[:7]); got != "payload" {
		t.Errorf("data = %q, want %q", got, "payload")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestPoolPowerLossWhileClosed(t *testing.T) {
	fx := newPoolFixture(t)

	p, err := CreatePool(fx.rt, fx.paths, 64<<10)
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	// Power is lost with the pool closed: harmless.
	if err := fx.dir.SetUnsafeShutdownCount(fx.paths[0], "8089-a2-1837-00000d59", 1); err != nil {
		t.Fatal(err)
	}

	p, err = OpenPool(fx.rt, fx.paths)
	if err != nil {
		t.Fatalf("OpenPool after power loss while closed: %v", err)
	}
	if p.ShutdownState().UnsafeShutdownCount() != 5 {
		t.Errorf("record not refreshed: usc = %d, want 5", p.ShutdownState().UnsafeShutdownCount())
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPoolKilledWhileOpen(t *testing.T) {
	fx := newPoolFixture(t)

	p, err := CreatePool(fx.rt, fx.paths, 64<<10)
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	// The process dies: nothing marks the pool closed.
	if err := p.release(); err != nil {
		t.Fatal(err)
	}

	p, err = OpenPool(fx.rt, fx.paths)
	if err != nil {
		t.Fatalf("OpenPool after kill: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPoolPowerLossWhileOpen(t *testing.T) {
	fx := newPoolFixture(t)

	p, err := CreatePool(fx.rt, fx.paths, 64<<10)
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if err := p.release(); err != nil {
		t.Fatal(err)
	}
	if err := fx.dir.SetUnsafeShutdownCount(fx.paths[1], "8089-a2-1837-00000e10", 2); err != nil {
		t.Fatal(err)
	}

	stateBefore := readState(t, fx.paths[0])

	_, err = OpenPool(fx.rt, fx.paths)
	if !errors.Is(err, sds.ErrCorruptionRisk) {
		t.Fatalf("OpenPool: got %v, want ErrCorruptionRisk", err)
	}
	if fx.rt.Registry().Len() != 0 {
		t.Error("refused pool left mappings behind")
	}
	if got := readState(t, fx.paths[0]); string(got) != string(stateBefore) {
		t.Error("shutdown state modified by a refused open")
	}

	// Still refused on every retry.
	if _, err := OpenPool(fx.rt, fx.paths); !errors.Is(err, sds.ErrCorruptionRisk) {
		t.Errorf("second OpenPool: got %v, want ErrCorruptionRisk", err)
	}
}

func TestOpenPoolRejectsForeignParts(t *testing.T) {
	fx := newPoolFixture(t)

	p, err := CreatePool(fx.rt, fx.paths, 64<<10)
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	t.Run("swapped parts", func(t *testing.T) {
		swapped := []string{fx.paths[1], fx.paths[0]}
		if _, err := OpenPool(fx.rt, swapped); !errors.Is(err, ErrBadPool) {
			t.Errorf("got %v, want ErrBadPool", err)
		}
	})

	t.Run("missing part", func(t *testing.T) {
		if _, err := OpenPool(fx.rt, fx.paths[:1]); !errors.Is(err, ErrBadPool) {
			t.Errorf("got %v, want ErrBadPool", err)
		}
	})

	t.Run("not a pool", func(t *testing.T) {
		other := filepath.Join(t.TempDir(), "junk")
		if err := os.WriteFile(other, make([]byte, 64<<10), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := OpenPool(fx.rt, []string{other}); !errors.Is(err, ErrBadPool) {
			t.Errorf("got %v, want ErrBadPool", err)
		}
	})

	if fx.rt.Registry().Len() != 0 {
		t.Error("rejected opens left mappings behind")
	}
}

func TestCreatePoolArguments(t *testing.T) {
	fx := newPoolFixture(t)
	if _, err := CreatePool(fx.rt, nil, 64<<10); !errors.Is(err, ErrBadPool) {
		t.Errorf("no parts: got %v", err)
	}
	if _, err := CreatePool(fx.rt, fx.paths, PoolHeaderSize); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("tiny parts: got %v", err)
	}

	// A part the directory cannot describe aborts creation.
	unknown := filepath.Join(t.TempDir(), "unknown")
	if _, err := CreatePool(fx.rt, []string{unknown}, 64<<10); !errors.Is(err, sds.ErrQueryFailed) {
		t.Errorf("unknown device: got %v, want ErrQueryFailed", err)
	}
	if fx.rt.Registry().Len() != 0 {
		t.Error("failed create left mappings behind")
	}
}

func readState(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data[offPoolSDS : offPoolSDS+sds.Size]
}
