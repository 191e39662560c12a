//go:build windows

package native

import (
	"fmt"
	"image"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")
	gdi32  = windows.NewLazySystemDLL("gdi32.dll")

	procGetSystemMetrics   = user32.NewProc("GetSystemMetrics")
	procGetDC              = user32.NewProc("GetDC")
	procGetWindowDC        = user32.NewProc("GetWindowDC")
	procGetDesktopWindow   = user32.NewProc("GetDesktopWindow")
	procReleaseDC          = user32.NewProc("ReleaseDC")
	procSetCursorPos       = user32.NewProc("SetCursorPos")
	procSendInput          = user32.NewProc("SendInput")
	procMapVirtualKeyW     = user32.NewProc("MapVirtualKeyW")
	procCreateCompatibleDC = gdi32.NewProc("CreateCompatibleDC")
	procCreateCompatibleBM = gdi32.NewProc("CreateCompatibleBitmap")
	procSelectObject       = gdi32.NewProc("SelectObject")
	procBitBlt             = gdi32.NewProc("BitBlt")
	procGetDIBits          = gdi32.NewProc("GetDIBits")
	procDeleteObject       = gdi32.NewProc("DeleteObject")
	procDeleteDC           = gdi32.NewProc("DeleteDC")
)

const (
	smCXScreen        = 0
	smCYScreen        = 1
	smXVirtualScreen  = 76
	smYVirtualScreen  = 77
	smCXVirtualScreen = 78
	smCYVirtualScreen = 79

	srcCopy    = 0x00CC0020
	captureBlt = 0x40000000

	dibRGBColors = 0
	biRGB        = 0

	inputMouse    = 0
	inputKeyboard = 1

	mouseLeftDown   = 0x0002
	mouseLeftUp     = 0x0004
	mouseRightDown  = 0x0008
	mouseRightUp    = 0x0010
	mouseMiddleDown = 0x0020
	mouseMiddleUp   = 0x0040

	keyExtended = 0x0001
	keyUp       = 0x0002

	mapVKToVSC = 0
)

type bitmapInfoHeader struct {
	Size          uint32
	Width         int32
	Height        int32
	Planes        uint16
	BitCount      uint16
	Compression   uint32
	SizeImage     uint32
	XPelsPerMeter int32
	YPelsPerMeter int32
	ClrUsed       uint32
	ClrImportant  uint32
}

type bitmapInfo struct {
	Header bitmapInfoHeader
	Colors [1]uint32
}

type mouseInput struct {
	Dx        int32
	Dy        int32
	MouseData uint32
	Flags     uint32
	Time      uint32
	ExtraInfo uintptr
}

type keybdInput struct {
	Vk        uint16
	Scan      uint16
	Flags     uint32
	Time      uint32
	ExtraInfo uintptr
}

// input matches the C INPUT struct; the union is sized by its largest
// member, MOUSEINPUT.
type input struct {
	Type uint32
	Mi   mouseInput
}

func systemMetric(index int) int {
	r, _, _ := procGetSystemMetrics.Call(uintptr(index))
	return int(int32(r))
}

func virtualScreen() image.Rectangle {
	x := systemMetric(smXVirtualScreen)
	y := systemMetric(smYVirtualScreen)
	return image.Rect(x, y, x+systemMetric(smCXVirtualScreen), y+systemMetric(smCYVirtualScreen))
}

func (winBridge) Bounds() (image.Rectangle, error) {
	r := virtualScreen()
	if r.Empty() {
		return image.Rectangle{}, fmt.Errorf("no display attached to this session")
	}
	return r, nil
}

// CaptureScreen blits the whole virtual screen from the screen DC,
// including layered windows.
func (winBridge) CaptureScreen() (*image.RGBA, error) {
	r := virtualScreen()
	if r.Empty() {
		return nil, fmt.Errorf("no display attached to this session")
	}
	hdc, _, err := procGetDC.Call(0)
	if hdc == 0 {
		return nil, fmt.Errorf("GetDC: %w", err)
	}
	defer procReleaseDC.Call(0, hdc)

	return blit(hdc, r.Min.X, r.Min.Y, r.Dx(), r.Dy(), srcCopy|captureBlt)
}

// CaptureScreenFallback copies the primary display through the desktop
// window's DC with a plain SRCCOPY, which some drivers allow when
// CAPTUREBLT from the screen DC is refused.
func (winBridge) CaptureScreenFallback() (*image.RGBA, error) {
	w, h := systemMetric(smCXScreen), systemMetric(smCYScreen)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("no primary display attached to this session")
	}
	hwnd, _, _ := procGetDesktopWindow.Call()
	hdc, _, err := procGetWindowDC.Call(hwnd)
	if hdc == 0 {
		return nil, fmt.Errorf("GetWindowDC: %w", err)
	}
	defer procReleaseDC.Call(hwnd, hdc)

	return blit(hdc, 0, 0, w, h, srcCopy)
}

func blit(src uintptr, x, y, w, h int, rop uint32) (*image.RGBA, error) {
	memDC, _, err := procCreateCompatibleDC.Call(src)
	if memDC == 0 {
		return nil, fmt.Errorf("CreateCompatibleDC: %w", err)
	}
	defer procDeleteDC.Call(memDC)

	bmp, _, err := procCreateCompatibleBM.Call(src, uintptr(w), uintptr(h))
	if bmp == 0 {
		return nil, fmt.Errorf("CreateCompatibleBitmap: %w", err)
	}
	defer procDeleteObject.Call(bmp)

	old, _, _ := procSelectObject.Call(memDC, bmp)
	ok, _, err := procBitBlt.Call(memDC, 0, 0, uintptr(w), uintptr(h), src, uintptr(x), uintptr(y), uintptr(rop))
	// GetDIBits requires the bitmap to be deselected.
	procSelectObject.Call(memDC, old)
	if ok == 0 {
		return nil, fmt.Errorf("BitBlt: %w", err)
	}

	bi := bitmapInfo{Header: bitmapInfoHeader{
		Width:       int32(w),
		Height:      -int32(h), // top-down rows
		Planes:      1,
		BitCount:    32,
		Compression: biRGB,
	}}
	bi.Header.Size = uint32(unsafe.Sizeof(bi.Header))

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	lines, _, err := procGetDIBits.Call(memDC, bmp, 0, uintptr(h),
		uintptr(unsafe.Pointer(&img.Pix[0])), uintptr(unsafe.Pointer(&bi)), dibRGBColors)
	if lines == 0 {
		return nil, fmt.Errorf("GetDIBits: %w", err)
	}

	// BGRA → RGBA, opaque.
	for i := 0; i+3 < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+2] = img.Pix[i+2], img.Pix[i]
		img.Pix[i+3] = 0xff
	}
	return img, nil
}

func (winBridge) SetCursorPos(x, y int) error {
	ok, _, err := procSetCursorPos.Call(uintptr(x), uintptr(y))
	if ok == 0 {
		return fmt.Errorf("SetCursorPos(%d,%d): %w", x, y, err)
	}
	return nil
}

func (winBridge) MouseEvent(button MouseButton, down bool) error {
	var flags uint32
	switch button {
	case ButtonRight:
		flags = mouseRightUp
		if down {
			flags = mouseRightDown
		}
	case ButtonMiddle:
		flags = mouseMiddleUp
		if down {
			flags = mouseMiddleDown
		}
	default:
		flags = mouseLeftUp
		if down {
			flags = mouseLeftDown
		}
	}
	in := input{Type: inputMouse, Mi: mouseInput{Flags: flags}}
	return sendInput(&in)
}

func (winBridge) KeyEvent(code uint16, down bool) error {
	in := input{Type: inputKeyboard}
	ki := (*keybdInput)(unsafe.Pointer(&in.Mi))
	scan, _, _ := procMapVirtualKeyW.Call(uintptr(code), mapVKToVSC)
	ki.Vk = code
	ki.Scan = uint16(scan)
	if extendedKey(code) {
		ki.Flags |= keyExtended
	}
	if !down {
		ki.Flags |= keyUp
	}
	return sendInput(&in)
}

// sendInput reports UIPI blocking, which mouse_event/keybd_event swallow.
func sendInput(in *input) error {
	n, _, err := procSendInput.Call(1, uintptr(unsafe.Pointer(in)), unsafe.Sizeof(*in))
	if n == 0 {
		return fmt.Errorf("SendInput: %w", err)
	}
	return nil
}

func extendedKey(vk uint16) bool {
	switch vk {
	case 0x21, 0x22, 0x23, 0x24, // page up, page down, end, home
		0x25, 0x26, 0x27, 0x28, // arrows
		0x2D, 0x2E, // insert, delete
		0x5B, 0x5C, // windows keys
		0xA3, 0xA5: // right ctrl, right alt
		return true
	}
	return false
}
