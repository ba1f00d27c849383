// Command jeepradio is the head unit entry point: it loads static and
// persistent configuration, opens the configured CAN interfaces and
// the RTL-SDR (or a fake source, for bench testing without hardware),
// wires every subsystem together by constructor injection, and runs
// until interrupted.
//
// There is no shared global state here, deliberately: every subsystem
// takes the collaborators it needs as constructor arguments rather
// than reaching through a singleton, replacing the original's
// PiCarMgr::shared() pattern. This file is the one place concrete
// implementations get chosen and wired.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kressner/jeepradio/pkg/audio"
	"github.com/kressner/jeepradio/pkg/config"
	"github.com/kressner/jeepradio/pkg/decoders/gmlan"
	"github.com/kressner/jeepradio/pkg/decoders/jeep"
	"github.com/kressner/jeepradio/pkg/decoders/obd"
	"github.com/kressner/jeepradio/pkg/dtc"
	"github.com/kressner/jeepradio/pkg/framedb"
	"github.com/kressner/jeepradio/pkg/isotp"
	"github.com/kressner/jeepradio/pkg/radio"
	"github.com/kressner/jeepradio/pkg/scheduler"
	"github.com/kressner/jeepradio/pkg/sdr"
	"github.com/kressner/jeepradio/pkg/sdr/fake"
	"github.com/kressner/jeepradio/pkg/sdr/rtlsdr"
	"github.com/kressner/jeepradio/pkg/transport"
)

func main() {
	configPath := flag.String("config", "jeepradio.ini", "static configuration ini file")
	propsPath := flag.String("props", "carradio.props.json", "persistent runtime properties file")
	fakeSDR := flag.Bool("fake-sdr", false, "use an in-memory SDR source instead of real hardware")
	fakeAudio := flag.Bool("fake-audio", false, "record audio in memory instead of opening a real output device")
	serialNumber := flag.String("serial", "000000000", "ASCII serial number reported to the instrument cluster")
	siriusID := flag.String("sirius-id", "", "SiriusXM receiver id reported to the instrument cluster")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := logrus.New()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}
	root := logrus.NewEntry(log)

	static, err := config.LoadStatic(*configPath)
	if err != nil {
		root.WithError(err).Fatal("failed to load static configuration")
	}
	props, err := config.LoadProperties(*propsPath)
	if err != nil {
		root.WithError(err).Fatal("failed to load persistent properties")
	}

	db := framedb.New(root)

	// isotp.Engine and transport.Manager each need the other (the
	// engine sends flow-control/consecutive frames through the
	// transport; the transport dispatches received frames into the
	// engine), and transport.Manager and scheduler.Scheduler do too
	// (the scheduler sends through the transport; the transport ticks
	// the scheduler once per select() iteration). Both cycles are
	// broken the same way: a small holder is built first and handed
	// to whichever side needs the not-yet-constructed collaborator,
	// then filled in once that collaborator exists.
	schedCell := &schedulerHolder{}
	senderCell := &transportSender{}
	engine := isotp.New(root, senderCell)
	tr := transport.New(root, db, engine, transport.Tickers{
		OBDPoll:  func(now time.Time) { schedCell.pollTick(now) },
		Periodic: func(now time.Time) { schedCell.periodicTick(now) },
	})
	senderCell.mgr = tr

	for _, iface := range static.CAN.Interfaces {
		if err := tr.Open(iface); err != nil {
			root.WithError(err).WithField("interface", iface).Fatal("failed to open CAN interface")
		}
	}

	obdDecoder := obd.New(root, db, tr)
	gmlanDecoder := gmlan.New(root, db)
	jeepDecoder := jeep.New(root, db)
	for _, iface := range static.CAN.Interfaces {
		db.RegisterProtocol(iface, obdDecoder)
		db.RegisterProtocol(iface, gmlanDecoder)
		db.RegisterProtocol(iface, jeepDecoder)
	}

	sched := scheduler.New(root, db, tr, time.Duration(static.DTC.PollPeriodMS)*time.Millisecond)
	schedCell.s = sched

	var source sdr.Source
	if *fakeSDR {
		source = fake.New()
	} else {
		source, err = rtlsdr.Open(uint32(static.Radio.DeviceIndex))
		if err != nil {
			root.WithError(err).Fatal("failed to open RTL-SDR")
		}
	}

	var sink audio.Sink
	if *fakeAudio {
		sink = audio.NewMemorySink()
	} else {
		sink, err = audio.OpenPortAudio()
		if err != nil {
			root.WithError(err).Fatal("failed to open audio output")
		}
	}

	sup := radio.New(root, source, sink, audio.SampleRate)

	if len(props.LastRadioModes) > 0 {
		last := props.LastRadioModes[0]
		if err := sup.SetFrequencyAndMode(radioModeFromString(last.Mode), last.Freq, false); err != nil {
			root.WithError(err).Warn("failed to restore last radio setting")
		}
	} else if err := sup.SetFrequencyAndMode(radioModeFromString(static.Radio.DefaultMode), static.Radio.DefaultFreqHz, false); err != nil {
		root.WithError(err).Warn("failed to apply default radio setting")
	}

	radioAdapter := &radioStatusAdapter{sup: sup}
	audioAdapter := &audioStatusAdapter{props: props}

	var responders []*dtc.Responder
	for _, iface := range static.CAN.Interfaces {
		resp := dtc.New(root, iface, tr, engine, radioAdapter, audioAdapter, *siriusID, *serialNumber)
		resp.Begin()
		responders = append(responders, resp)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup.Start(ctx)

	go func() {
		if err := tr.Run(ctx); err != nil {
			root.WithError(err).Error("CAN transport reader exited")
		}
	}()

	root.Info("jeepradio running")
	<-ctx.Done()
	root.Info("shutting down")

	sup.Stop()
	for _, resp := range responders {
		resp.Stop()
	}
	tr.Close()
	sink.Close()

	props.LastRadioMode = sup.Mode().String()
	props.LastRadioModes = []config.StationSetting{{Mode: sup.Mode().String(), Freq: sup.Frequency()}}
	if err := props.Save(*propsPath); err != nil {
		root.WithError(err).Error("failed to save persistent properties")
	}
}

// transportSender breaks the isotp.Engine / transport.Manager
// construction cycle: the engine is built first holding this cell,
// and the cell's mgr field is filled in once the transport exists.
type transportSender struct {
	mgr *transport.Manager
}

func (s *transportSender) SendFrame(iface string, id uint32, data []byte) error {
	return s.mgr.SendFrame(iface, id, data)
}

// schedulerHolder breaks the scheduler.Scheduler / transport.Manager
// construction cycle the same way transportSender does, for the two
// per-iteration ticker callbacks the transport invokes.
type schedulerHolder struct {
	s *scheduler.Scheduler
}

func (h *schedulerHolder) pollTick(now time.Time) {
	if h.s != nil {
		h.s.PollTick(now)
	}
}

func (h *schedulerHolder) periodicTick(now time.Time) {
	if h.s != nil {
		h.s.PeriodicTick(now)
	}
}

func radioModeFromString(s string) radio.Mode {
	switch s {
	case "AM":
		return radio.ModeAM
	case "FM":
		return radio.ModeFM
	case "VHF":
		return radio.ModeVHF
	case "GMRS":
		return radio.ModeGMRS
	case "AUX":
		return radio.ModeAux
	default:
		return radio.ModeOff
	}
}

// radioStatusAdapter satisfies dtc.RadioStatus over the live
// supervisor, so the DTC responder never holds a back-pointer to it.
type radioStatusAdapter struct {
	sup *radio.Supervisor
}

func (a *radioStatusAdapter) Mode() string {
	if !a.sup.IsOn() {
		return ""
	}
	return a.sup.Mode().String()
}

func (a *radioStatusAdapter) FrequencyHz() float64 {
	return float64(a.sup.Frequency())
}

// audioStatusAdapter satisfies dtc.AudioStatus from the persisted
// volume/balance; this repo has no separate equalizer mixer, so
// bass/treble/fader/midrange report their resting midpoint.
type audioStatusAdapter struct {
	props *config.Properties
}

func (a *audioStatusAdapter) Volume() float64   { return a.props.LastAudioSetting.Vol }
func (a *audioStatusAdapter) Bass() float64     { return 0 }
func (a *audioStatusAdapter) Treble() float64   { return 0 }
func (a *audioStatusAdapter) Balance() float64  { return a.props.LastAudioSetting.Bal }
func (a *audioStatusAdapter) Fader() float64    { return 0 }
func (a *audioStatusAdapter) Midrange() float64 { return 0 }
