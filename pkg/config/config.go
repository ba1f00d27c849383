// Package config loads the two layers of configuration this head unit
// runs with: a static, once-at-startup ini file (which CAN interfaces
// to open, the RTL-SDR device index, default tuning, poll period) and
// the JSON properties file that carries runtime state forward across
// restarts (volume, balance, last station, menu position). It also
// parses the TSV station list.
//
// The ini loader is grounded on the teacher's own parser_v1.go: it
// loads the whole file with ini.Load and reads values back out of named
// sections, the same shape used for EDS section parsing there, just
// with the corpus's [can]/[radio]/[dtc] sections instead of CANopen
// index sections.
package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// ErrBlankInterface is a Programmer-error class failure: the [can]
// section listed an empty interface name.
var ErrBlankInterface = errors.New("config: blank CAN interface name")

// Static is the process-level configuration loaded once at startup.
type Static struct {
	CAN struct {
		Interfaces []string
	}
	Radio struct {
		DeviceIndex     int
		DefaultMode     string
		DefaultFreqHz   uint32
		SampleRateHz    uint32
	}
	DTC struct {
		PollPeriodMS int
	}
}

// LoadStatic reads the ini file at path and fills in Static, applying
// the same defaults the original's property lookups fall back to when
// a key is absent.
func LoadStatic(path string) (*Static, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	s := &Static{}

	canSection := f.Section("can")
	ifaces := canSection.Key("interfaces").Strings(",")
	for _, iface := range ifaces {
		iface = strings.TrimSpace(iface)
		if iface == "" {
			return nil, ErrBlankInterface
		}
		s.CAN.Interfaces = append(s.CAN.Interfaces, iface)
	}

	radioSection := f.Section("radio")
	s.Radio.DeviceIndex = radioSection.Key("device_index").MustInt(0)
	s.Radio.DefaultMode = radioSection.Key("default_mode").MustString("FM")
	s.Radio.DefaultFreqHz = uint32(radioSection.Key("default_freq_hz").MustUint64(97_900_000))
	s.Radio.SampleRateHz = uint32(radioSection.Key("sample_rate_hz").MustUint64(1_000_000))

	dtcSection := f.Section("dtc")
	s.DTC.PollPeriodMS = dtcSection.Key("poll_period_ms").MustInt(500)

	return s, nil
}

// AudioSetting is the persisted volume/balance pair, matching
// last_audio_setting.{vol,bal}.
type AudioSetting struct {
	Vol float64 `json:"vol"`
	Bal float64 `json:"bal"`
}

// StationSetting is one entry of last_radio_modes: a remembered
// mode/frequency pair.
type StationSetting struct {
	Mode string `json:"mode"`
	Freq uint32 `json:"freq"`
}

// Properties is the JSON-backed persistent runtime state, default
// filename carradio.props.json. Every field is optional; zero values
// are used when a key is absent from the file on disk.
type Properties struct {
	LastAudioSetting AudioSetting     `json:"last_audio_setting"`
	LastRadioMode    string           `json:"last_radio_mode"`
	LastRadioModes   []StationSetting `json:"last_radio_modes"`
	LastMenuSelected uint16           `json:"last_menu_selected"`

	CPUTempQueryDelay  uint16 `json:"cputemp-query-delay"`
	TempQueryDelay     uint16 `json:"temp-query-delay"`
	CompassQueryDelay  uint16 `json:"compass-query-delay"`
}

// LoadProperties reads path and decodes it into Properties. A missing
// file is not an error; it returns a zero-valued Properties so first
// boot starts from defaults.
func LoadProperties(path string) (*Properties, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Properties{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var p Properties
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &p, nil
}

// Save writes p to path as indented JSON, overwriting any existing
// file.
func (p *Properties) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode properties: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Station is one parsed line of a stations file.
type Station struct {
	Mode        string
	FrequencyHz uint32
	Title       string
	Location    string
}

// ParseStations reads a TSV stations file: mode, frequency_hz, title,
// and an optional location, tab-separated. '#' introduces a
// whole-line comment and blank lines are skipped.
func ParseStations(r io.Reader) ([]Station, error) {
	var stations []Station
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, fmt.Errorf("config: stations line %d: expected at least 3 tab-separated fields, got %d", lineNo, len(fields))
		}
		freq, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: stations line %d: bad frequency %q: %w", lineNo, fields[1], err)
		}
		st := Station{
			Mode:        fields[0],
			FrequencyHz: uint32(freq),
			Title:       fields[2],
		}
		if len(fields) >= 4 {
			st.Location = fields[3]
		}
		stations = append(stations, st)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: stations: %w", err)
	}
	return stations, nil
}

// ParseStationsFile opens path and parses it with ParseStations.
func ParseStationsFile(path string) ([]Station, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open stations file: %w", err)
	}
	defer f.Close()
	return ParseStations(f)
}
