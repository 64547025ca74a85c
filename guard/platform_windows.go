//go:build windows

package guard

import (
	"debug/pe"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// NtQueryInformationProcess information classes.
const (
	processDebugPort         = 7
	processDebugObjectHandle = 30
	processDebugFlags        = 31
)

var (
	kernel32                       = windows.NewLazySystemDLL("kernel32.dll")
	procIsDebuggerPresent          = kernel32.NewProc("IsDebuggerPresent")
	procCheckRemoteDebuggerPresent = kernel32.NewProc("CheckRemoteDebuggerPresent")
	procDebugActiveProcessStop     = kernel32.NewProc("DebugActiveProcessStop")
)

type windowsPlatform struct{}

// DefaultPlatform returns the checks for the running OS.
func DefaultPlatform() Platform { return windowsPlatform{} }

// textSection locates .text in the main module image.
func textSection() (rva, size uint32, err error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, 0, err
	}
	f, err := pe.Open(exe)
	if err != nil {
		return 0, 0, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	s := f.Section(".text")
	if s == nil {
		return 0, 0, errors.New("no .text section")
	}
	return s.VirtualAddress, s.VirtualSize, nil
}

func (windowsPlatform) CodeChecksum() (uint32, error) {
	var module windows.Handle
	if err := windows.GetModuleHandleEx(0, nil, &module); err != nil {
		return 0, fmt.Errorf("module handle: %w", err)
	}
	rva, size, err := textSection()
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, errors.New("empty .text section")
	}
	buf := make([]byte, size)
	var n uintptr
	err = windows.ReadProcessMemory(windows.CurrentProcess(), uintptr(module)+uintptr(rva),
		&buf[0], uintptr(size), &n)
	if err != nil {
		return 0, fmt.Errorf("read .text: %w", err)
	}
	return crc32.ChecksumIEEE(buf[:n]), nil
}

func (windowsPlatform) DebuggerAttached() (bool, error) {
	if r, _, _ := procIsDebuggerPresent.Call(); r != 0 {
		return true, nil
	}

	var remote int32
	if r, _, _ := procCheckRemoteDebuggerPresent.Call(uintptr(windows.CurrentProcess()),
		uintptr(unsafe.Pointer(&remote))); r != 0 && remote != 0 {
		return true, nil
	}

	proc := windows.CurrentProcess()
	var port uintptr
	if windows.NtQueryInformationProcess(proc, processDebugPort,
		unsafe.Pointer(&port), uint32(unsafe.Sizeof(port)), nil) == nil && port != 0 {
		return true, nil
	}
	var object windows.Handle
	if windows.NtQueryInformationProcess(proc, processDebugObjectHandle,
		unsafe.Pointer(&object), uint32(unsafe.Sizeof(object)), nil) == nil && object != 0 {
		return true, nil
	}
	var flags uint32
	if windows.NtQueryInformationProcess(proc, processDebugFlags,
		unsafe.Pointer(&flags), uint32(unsafe.Sizeof(flags)), nil) == nil && flags&1 == 0 {
		return true, nil
	}

	// Succeeds only when this process is being debugged.
	if r, _, _ := procDebugActiveProcessStop.Call(uintptr(windows.GetCurrentProcessId())); r != 0 {
		return true, nil
	}
	return false, nil
}
