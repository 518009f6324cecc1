// Command pebbleboot assembles a Kernel from flags and runs the spec §8
// end-to-end scenarios (S1-S6) as a smoke test, supplementing the boot
// loader the spec names out of scope at the interface level (spec §1) with
// a minimal runnable stand-in. Flag handling follows the kingpin idiom
// talyz-systemd_exporter uses, replacing the hardcoded boot constants the
// distilled spec is silent on.
package main

import (
	"fmt"
	"os"
	"time"

	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"pebblekern/internal/defs"
	"pebblekern/internal/kernel"
	"pebblekern/internal/mem"
	"pebblekern/internal/page"
	"pebblekern/internal/syncprim"
)

var (
	app = kingpin.New("pebbleboot", "Boots a pebblekern Kernel and runs its scenario smoke tests.")

	filesysSectors = app.Flag("filesys-sectors", "filesys_disk size in sectors").Default("256").Int()
	swapSectors    = app.Flag("swap-sectors", "swap_disk size in sectors").Default("128").Int()
	frameCount     = app.Flag("frames", "frame pool size").Default("4").Int()
	rootDirSectors = app.Flag("root-dir-sectors", "sectors reserved for the root directory").Default("2").Int()
	logLevel       = app.Flag("log-level", "debug|info|warn|error").Default("info").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	k, err := kernel.Boot(kernel.Config{
		FilesysDiskSectors: *filesysSectors,
		SwapDiskSectors:    *swapSectors,
		FrameCount:         *frameCount,
		RootDirSectors:     *rootDirSectors,
		LogLevel:           *logLevel,
	})
	if err != 0 {
		fmt.Fprintf(os.Stderr, "boot failed: %s\n", err)
		os.Exit(1)
	}
	defer k.Shutdown()

	fmt.Println(k.Statistics())

	scenarios := []struct {
		name string
		run  func(*kernel.Kernel) error
	}{
		{"S1 anon fork is copy not share", scenarioS1},
		{"S2 mmap write-back", scenarioS2},
		{"S3 stack grow", scenarioS3},
		{"S4 fault on read-only", scenarioS4},
		{"S5 swap storm", scenarioS5},
		{"S6 lock donation", scenarioS6},
	}

	failures := 0
	for _, s := range scenarios {
		if runErr := s.run(k); runErr != nil {
			fmt.Printf("FAIL %s: %v\n", s.name, runErr)
			failures++
		} else {
			fmt.Printf("PASS %s\n", s.name)
		}
	}
	if failures > 0 {
		os.Exit(1)
	}
}

func scenarioS1(k *kernel.Kernel) error {
	parent := k.NewAddressSpace()
	va := mem.VA(0x08048000)
	p := page.NewAnon(va, true, parent.Deps())
	if !parent.SPT().Insert(p) {
		return fmt.Errorf("insert failed")
	}
	if e := parent.WriteByte(va, 0xAB); e != 0 {
		return fmt.Errorf("parent write: %s", e)
	}
	child, ok := k.Fork(parent)
	if !ok {
		return fmt.Errorf("fork failed")
	}
	b, e := child.ReadByte(va)
	if e != 0 || b != 0xAB {
		return fmt.Errorf("child read after fork: got %x, err %s", b, e)
	}
	if e := parent.WriteByte(va, 0xCD); e != 0 {
		return fmt.Errorf("parent second write: %s", e)
	}
	b, e = child.ReadByte(va)
	if e != 0 || b != 0xAB {
		return fmt.Errorf("child observed parent's later write: got %x", b)
	}
	return nil
}

func scenarioS2(k *kernel.Kernel) error {
	th := syncprim.NewThread(2, 10)
	if e := k.Fs().Create(th, "f", 600); e != 0 {
		return fmt.Errorf("create: %s", e)
	}
	f, e := k.Fs().Open(th, "f")
	if e != 0 {
		return fmt.Errorf("open: %s", e)
	}
	as := k.NewAddressSpace()
	addr, e := as.Mmap(0x20000000, 600, true, f, 0)
	if e != 0 {
		return fmt.Errorf("mmap: %s", e)
	}
	if e := as.WriteByte(addr+513, 0x5A); e != 0 {
		return fmt.Errorf("write through mapping: %s", e)
	}
	as.Munmap(addr)

	f2, e := k.Fs().Open(th, "f")
	if e != 0 {
		return fmt.Errorf("reopen: %s", e)
	}
	got := make([]byte, 1)
	if _, e := f2.ReadAt(got, 513); e != 0 || got[0] != 0x5A {
		return fmt.Errorf("offset 513 = %x, want 5a", got[0])
	}
	if _, e := f2.ReadAt(got, 0); e != 0 || got[0] != 0x00 {
		return fmt.Errorf("offset 0 = %x, want 00 (untouched)", got[0])
	}
	if e := f2.Close(); e != 0 {
		return fmt.Errorf("close: %s", e)
	}
	return nil
}

func scenarioS3(k *kernel.Kernel) error {
	as := k.NewAddressSpace()
	const userStackTop = 0x7FFFFFFFF000
	rsp := mem.VA(userStackTop - 4096)
	if e := as.HandleFault(rsp-8, false, true, rsp); e != 0 {
		return fmt.Errorf("stack growth fault: %s", e)
	}
	if as.SPT().Find(rsp-8) == nil {
		return fmt.Errorf("no SPT entry installed for stack growth")
	}
	return nil
}

func scenarioS4(k *kernel.Kernel) error {
	th := syncprim.NewThread(3, 10)
	if e := k.Fs().Create(th, "ro", 4096); e != 0 {
		return fmt.Errorf("create: %s", e)
	}
	f, e := k.Fs().Open(th, "ro")
	if e != 0 {
		return fmt.Errorf("open: %s", e)
	}
	as := k.NewAddressSpace()
	addr, e := as.Mmap(0x30000000, 4096, false, f, 0)
	if e != 0 {
		return fmt.Errorf("mmap: %s", e)
	}
	if e := as.WriteByte(addr, 0xFF); e != defs.ExitFatal {
		return fmt.Errorf("expected ExitFatal, got %s", e)
	}
	return nil
}

func scenarioS5(k *kernel.Kernel) error {
	as := k.NewAddressSpace()
	const n = 32
	vas := make([]mem.VA, n)
	for i := 0; i < n; i++ {
		va := mem.VA(0x09000000 + i*mem.PageSize)
		vas[i] = va
		p := page.NewAnon(va, true, as.Deps())
		if !as.SPT().Insert(p) {
			return fmt.Errorf("insert page %d failed", i)
		}
		for b := 0; b < 4; b++ {
			if e := as.WriteByte(va+mem.VA(b), byte(i)); e != 0 {
				return fmt.Errorf("write page %d byte %d: %s", i, b, e)
			}
		}
	}
	for i, va := range vas {
		for b := 0; b < 4; b++ {
			got, e := as.ReadByte(va + mem.VA(b))
			if e != 0 || got != byte(i) {
				return fmt.Errorf("page %d byte %d: got %x, want %x", i, b, got, i)
			}
		}
	}
	return nil
}

func scenarioS6(k *kernel.Kernel) error {
	l := syncprim.NewThread(100, 10)
	m := syncprim.NewThread(101, 20)
	h := syncprim.NewThread(102, 30)
	lockA := syncprim.NewLock()

	lockA.Acquire(l)
	done := make(chan struct{}, 2)
	go func() { lockA.Acquire(m); lockA.Release(m); done <- struct{}{} }()
	if !waitForDonation(l, 20) {
		return fmt.Errorf("M's donation never raised L to 20, stuck at %d", l.Priority())
	}
	go func() { lockA.Acquire(h); lockA.Release(h); done <- struct{}{} }()
	if !waitForDonation(l, 30) {
		return fmt.Errorf("H's donation never raised L to 30, stuck at %d", l.Priority())
	}

	lockA.Release(l)
	<-done
	<-done

	if l.Priority() != 10 {
		return fmt.Errorf("L's priority after release = %d, want 10", l.Priority())
	}
	return nil
}

func waitForDonation(t *syncprim.Thread, want int) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if t.Priority() == want {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return t.Priority() == want
}
