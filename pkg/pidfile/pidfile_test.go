package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// A pid far above any live process; signal 0 probes report it dead.
const deadPID = 1 << 30

func tempPIDPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "geofixd.pid")
}

func TestCreateAndRead(t *testing.T) {
	path := tempPIDPath(t)
	p := New(path)

	if err := p.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}

	pid, err := p.GetPID()
	if err != nil {
		t.Fatalf("GetPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestCreateRejectsLiveOwner(t *testing.T) {
	path := tempPIDPath(t)

	// The owner is this test process, which is definitely alive.
	if err := New(path).Create(); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := New(path).Create(); err == nil {
		t.Fatal("second Create should fail while owner lives")
	}
}

func TestCreateReclaimsStaleFile(t *testing.T) {
	path := tempPIDPath(t)
	if err := os.WriteFile(path, []byte(strconv.Itoa(deadPID)+"\n"), 0o644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	p := New(path)
	if err := p.Create(); err != nil {
		t.Fatalf("Create over stale file: %v", err)
	}
	pid, err := p.GetPID()
	if err != nil {
		t.Fatalf("GetPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d after reclaim", pid, os.Getpid())
	}
}

func TestCreateRejectsGarbageContent(t *testing.T) {
	path := tempPIDPath(t)
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := New(path).Create(); err == nil {
		t.Fatal("Create should fail on unreadable pid content")
	}
}

func TestRemoveOwnershipCheck(t *testing.T) {
	t.Run("own file", func(t *testing.T) {
		path := tempPIDPath(t)
		p := New(path)
		if err := p.Create(); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := p.Remove(); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("pid file still exists after Remove")
		}
	})

	t.Run("foreign file", func(t *testing.T) {
		path := tempPIDPath(t)
		if err := os.WriteFile(path, []byte(strconv.Itoa(deadPID)+"\n"), 0o644); err != nil {
			t.Fatalf("seed file: %v", err)
		}
		if err := New(path).Remove(); err == nil {
			t.Fatal("Remove should refuse a foreign pid file")
		}
		if err := New(path).ForceRemove(); err != nil {
			t.Fatalf("ForceRemove: %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if err := New(tempPIDPath(t)).Remove(); err != nil {
			t.Fatalf("Remove on missing file: %v", err)
		}
	})
}

func TestCheckRunning(t *testing.T) {
	t.Run("no file", func(t *testing.T) {
		running, pid, err := New(tempPIDPath(t)).CheckRunning()
		if err != nil || running || pid != 0 {
			t.Fatalf("CheckRunning = %v,%d,%v; want false,0,nil", running, pid, err)
		}
	})

	t.Run("live owner", func(t *testing.T) {
		path := tempPIDPath(t)
		if err := New(path).Create(); err != nil {
			t.Fatalf("Create: %v", err)
		}
		running, pid, err := New(path).CheckRunning()
		if err != nil {
			t.Fatalf("CheckRunning: %v", err)
		}
		if !running || pid != os.Getpid() {
			t.Errorf("CheckRunning = %v,%d; want true,%d", running, pid, os.Getpid())
		}
	})

	t.Run("dead owner", func(t *testing.T) {
		path := tempPIDPath(t)
		if err := os.WriteFile(path, []byte(strconv.Itoa(deadPID)+"\n"), 0o644); err != nil {
			t.Fatalf("seed file: %v", err)
		}
		running, pid, err := New(path).CheckRunning()
		if err != nil {
			t.Fatalf("CheckRunning: %v", err)
		}
		if running || pid != deadPID {
			t.Errorf("CheckRunning = %v,%d; want false,%d", running, pid, deadPID)
		}
	})
}
