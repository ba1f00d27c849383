// Package rtlsdr drives a real RTL-SDR dongle via cgo against
// librtlsdr, the only realistic way to reach this hardware from Go.
//
// Grounded on original_source/src/RtlSdr.cpp's call sequence (open,
// set sample rate/frequency/gain/AGC, reset buffer, synchronous
// block read), and on the teacher's own cgo binding style in
// pkg/can/kvaser (error-code wrapping, #cgo LDFLAGS, C.GoString for
// device strings).
package rtlsdr

/*
#cgo LDFLAGS: -lrtlsdr

#include <stdlib.h>
#include <rtl-sdr.h>
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/kressner/jeepradio/pkg/sdr"
)

// Error wraps a librtlsdr return code.
type Error struct {
	Call string
	Code int
}

func (e *Error) Error() string {
	return fmt.Sprintf("rtlsdr: %s failed (%d)", e.Call, e.Code)
}

func check(call string, code C.int) error {
	if code < 0 {
		return &Error{Call: call, Code: int(code)}
	}
	return nil
}

// Source drives one RTL-SDR device.
type Source struct {
	dev         *C.rtlsdr_dev_t
	index       uint32
	blockLength int
}

// Devices lists every attached RTL-SDR dongle.
func Devices() []sdr.DeviceInfo {
	count := int(C.rtlsdr_get_device_count())
	devices := make([]sdr.DeviceInfo, 0, count)
	for i := 0; i < count; i++ {
		var vendor, product, serial [256]C.char
		C.rtlsdr_get_device_usb_strings(C.uint32_t(i), &vendor[0], &product[0], &serial[0])
		devices = append(devices, sdr.DeviceInfo{
			Index:   uint32(i),
			Name:    C.GoString(C.rtlsdr_get_device_name(C.uint32_t(i))),
			Vendor:  C.GoString(&vendor[0]),
			Product: C.GoString(&product[0]),
			Serial:  C.GoString(&serial[0]),
		})
	}
	return devices
}

// Open opens the RTL-SDR at the given device index.
func Open(index uint32) (*Source, error) {
	var dev *C.rtlsdr_dev_t
	if rc := C.rtlsdr_open(&dev, C.uint32_t(index)); rc < 0 {
		return nil, check("rtlsdr_open", rc)
	}
	return &Source{dev: dev, index: index, blockLength: sdr.DefaultBlockLength}, nil
}

func (s *Source) SetSampleRate(hz uint32) error {
	return check("rtlsdr_set_sample_rate", C.rtlsdr_set_sample_rate(s.dev, C.uint32_t(hz)))
}

func (s *Source) SampleRate() uint32 {
	return uint32(C.rtlsdr_get_sample_rate(s.dev))
}

func (s *Source) SetFrequency(hz uint32) error {
	return check("rtlsdr_set_center_freq", C.rtlsdr_set_center_freq(s.dev, C.uint32_t(hz)))
}

func (s *Source) Frequency() uint32 {
	return uint32(C.rtlsdr_get_center_freq(s.dev))
}

func (s *Source) SetTunerGain(tenthDB int) error {
	if tenthDB == sdr.AutoGain {
		return check("rtlsdr_set_tuner_gain_mode", C.rtlsdr_set_tuner_gain_mode(s.dev, 0))
	}
	if rc := C.rtlsdr_set_tuner_gain_mode(s.dev, 1); rc < 0 {
		return check("rtlsdr_set_tuner_gain_mode", rc)
	}
	return check("rtlsdr_set_tuner_gain", C.rtlsdr_set_tuner_gain(s.dev, C.int(tenthDB)))
}

func (s *Source) TunerGains() []int {
	n := int(C.rtlsdr_get_tuner_gains(s.dev, nil))
	if n <= 0 {
		return nil
	}
	raw := make([]C.int, n)
	got := int(C.rtlsdr_get_tuner_gains(s.dev, &raw[0]))
	if got != n {
		return nil
	}
	gains := make([]int, n)
	for i, g := range raw {
		gains[i] = int(g)
	}
	return gains
}

func (s *Source) SetAGCMode(on bool) error {
	mode := C.int(0)
	if on {
		mode = 1
	}
	return check("rtlsdr_set_agc_mode", C.rtlsdr_set_agc_mode(s.dev, mode))
}

func (s *Source) SetBlockLength(n int) {
	s.blockLength = n
}

func (s *Source) ResetBuffer() error {
	return check("rtlsdr_reset_buffer", C.rtlsdr_reset_buffer(s.dev))
}

// GetSamples performs a synchronous read of 2*blockLength bytes and
// converts each I/Q byte pair to a complex64 sample via (byte-128)/128.
// A short read is reported as an error and not retried, per the
// original's getSamples.
func (s *Source) GetSamples(out *[]complex64) error {
	n := s.blockLength
	buf := make([]byte, 2*n)
	var nRead C.int
	rc := C.rtlsdr_read_sync(s.dev, unsafe.Pointer(&buf[0]), C.int(len(buf)), &nRead)
	if rc < 0 {
		return check("rtlsdr_read_sync", rc)
	}
	if int(nRead) != len(buf) {
		return sdr.ErrShortRead
	}
	if cap(*out) < n {
		*out = make([]complex64, n)
	} else {
		*out = (*out)[:n]
	}
	sdr.BytesToIQ(buf, *out)
	return nil
}

func (s *Source) Close() error {
	return check("rtlsdr_close", C.rtlsdr_close(s.dev))
}

var _ sdr.Source = (*Source)(nil)
