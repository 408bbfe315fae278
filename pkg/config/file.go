package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/psi-tdc/delayctl/pkg/board"
	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/resolver"
	"github.com/psi-tdc/delayctl/pkg/session"
	"github.com/psi-tdc/delayctl/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		WarmUpSeconds:      ptr.To(session.DefaultWarmUp.Seconds()),
		ToleranceSeconds:   ptr.To(resolver.DefaultTolerance),
		SPIPort:            ptr.To(board.DefaultOptions().SPIPort),
		SPISpeedHz:         ptr.To(board.DefaultOptions().SPISpeedHz),
		I2CBus:             ptr.To(board.DefaultOptions().I2CBus),
		DACAddress:         ptr.To(board.DefaultOptions().DACAddress),
		DryRun:             ptr.To(false),
		RunLogPath:         ptr.To(""),
		AllowNonRootAccess: ptr.To(false),
		SweepCron:          ptr.To(""),
		SweepChip:          ptr.To(calibration.ChipA),
	}
)

// DefaultCalibrationDir is where calibration files are looked up when the
// config does not name a directory.
func DefaultCalibrationDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "/etc"
	}
	return filepath.Join(dir, "delayctl", "calibration")
}

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

// NewRawFileConfigFromConfig resolves every setting of c, defaults included.
func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	rawConfig := &RawFileConfig{
		WarmUpSeconds:      ptr.To(c.WarmUp().Seconds()),
		ToleranceSeconds:   ptr.To(c.Tolerance()),
		ReferenceFTUNE:     c.ReferenceFTUNE(),
		CalibrationDir:     ptr.To(c.CalibrationDir()),
		SPIPort:            ptr.To(c.SPIPort()),
		SPISpeedHz:         ptr.To(c.SPISpeedHz()),
		I2CBus:             ptr.To(c.I2CBus()),
		DACAddress:         ptr.To(c.DACAddress()),
		DryRun:             ptr.To(c.DryRun()),
		RunLogPath:         ptr.To(c.RunLogPath()),
		AllowNonRootAccess: ptr.To(c.AllowNonRootAccess()),
		SweepCron:          ptr.To(c.SweepCron()),
		SweepChip:          ptr.To(c.SweepChip()),
		SweepTargets:       c.SweepTargets(),
	}

	return rawConfig, nil
}

type RawFileConfig struct {
	WarmUpSeconds      *float64            `json:"warmUpSeconds,omitempty" yaml:"warmUpSeconds,omitempty"`
	ToleranceSeconds   *float64            `json:"toleranceSeconds,omitempty" yaml:"toleranceSeconds,omitempty"`
	ReferenceFTUNE     *float64            `json:"referenceFTUNE,omitempty" yaml:"referenceFTUNE,omitempty"`
	CalibrationDir     *string             `json:"calibrationDir,omitempty" yaml:"calibrationDir,omitempty"`
	SPIPort            *string             `json:"spiPort,omitempty" yaml:"spiPort,omitempty"`
	SPISpeedHz         *int64              `json:"spiSpeedHz,omitempty" yaml:"spiSpeedHz,omitempty"`
	I2CBus             *string             `json:"i2cBus,omitempty" yaml:"i2cBus,omitempty"`
	DACAddress         *uint16             `json:"dacAddress,omitempty" yaml:"dacAddress,omitempty"`
	DryRun             *bool               `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`
	RunLogPath         *string             `json:"runLogPath,omitempty" yaml:"runLogPath,omitempty"`
	AllowNonRootAccess *bool               `json:"allowNonRootAccess,omitempty" yaml:"allowNonRootAccess,omitempty"`
	SweepCron          *string             `json:"sweepCron,omitempty" yaml:"sweepCron,omitempty"`
	SweepChip          *calibration.ChipID `json:"sweepChip,omitempty" yaml:"sweepChip,omitempty"`
	SweepTargets       []float64           `json:"sweepTargets,omitempty" yaml:"sweepTargets,omitempty"`
}

func (c *RawFileConfig) validate() error {
	if c.WarmUpSeconds != nil && *c.WarmUpSeconds < 0 {
		return pkgerrors.Errorf("warmUpSeconds must not be negative, got %v", *c.WarmUpSeconds)
	}
	if c.ToleranceSeconds != nil && *c.ToleranceSeconds <= 0 {
		return pkgerrors.Errorf("toleranceSeconds must be positive, got %v", *c.ToleranceSeconds)
	}
	if c.ReferenceFTUNE != nil {
		if err := board.CheckFTUNE(*c.ReferenceFTUNE); err != nil {
			return pkgerrors.Wrap(err, "referenceFTUNE")
		}
	}
	if c.SPISpeedHz != nil && *c.SPISpeedHz <= 0 {
		return pkgerrors.Errorf("spiSpeedHz must be positive, got %d", *c.SPISpeedHz)
	}
	if c.SweepChip != nil {
		if _, err := calibration.ParseChipID(string(*c.SweepChip)); err != nil {
			return pkgerrors.Wrap(err, "sweepChip")
		}
	}
	return nil
}

func (f *File) WarmUp() time.Duration {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	seconds := ptr.Deref(f.c.WarmUpSeconds, *defaultFileConfig.WarmUpSeconds)
	return time.Duration(seconds * float64(time.Second))
}

func (f *File) Tolerance() float64 {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.ToleranceSeconds, *defaultFileConfig.ToleranceSeconds)
}

func (f *File) ReferenceFTUNE() *float64 {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.ReferenceFTUNE == nil {
		return nil
	}
	return ptr.To(*f.c.ReferenceFTUNE)
}

func (f *File) CalibrationDir() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.CalibrationDir == nil || *f.c.CalibrationDir == "" {
		return DefaultCalibrationDir()
	}
	return *f.c.CalibrationDir
}

func (f *File) SPIPort() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.SPIPort, *defaultFileConfig.SPIPort)
}

func (f *File) SPISpeedHz() int64 {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.SPISpeedHz, *defaultFileConfig.SPISpeedHz)
}

func (f *File) I2CBus() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.I2CBus, *defaultFileConfig.I2CBus)
}

func (f *File) DACAddress() uint16 {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.DACAddress, *defaultFileConfig.DACAddress)
}

func (f *File) DryRun() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.DryRun, *defaultFileConfig.DryRun)
}

func (f *File) RunLogPath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.RunLogPath, *defaultFileConfig.RunLogPath)
}

func (f *File) AllowNonRootAccess() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.AllowNonRootAccess, *defaultFileConfig.AllowNonRootAccess)
}

func (f *File) SweepCron() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.SweepCron, *defaultFileConfig.SweepCron)
}

func (f *File) SweepChip() calibration.ChipID {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.SweepChip, *defaultFileConfig.SweepChip)
}

func (f *File) SweepTargets() []float64 {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return append([]float64(nil), f.c.SweepTargets...)
}

func (f *File) SetWarmUp(d time.Duration) {
	if f.c == nil {
		panic("config is nil")
	}
	if d < 0 {
		panic("warm-up must not be negative")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.WarmUpSeconds = ptr.To(d.Seconds())
}

func (f *File) SetTolerance(t float64) {
	if f.c == nil {
		panic("config is nil")
	}
	if t <= 0 {
		panic("tolerance must be positive")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.ToleranceSeconds = &t
}

func (f *File) SetCalibrationDir(dir string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.CalibrationDir = &dir
}

func (f *File) SetDryRun(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.DryRun = &b
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AllowNonRootAccess = &b
}

func (f *File) SetSweep(cronExpr string, chip calibration.ChipID, targets []float64) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.SweepCron = &cronExpr
	f.c.SweepChip = &chip
	f.c.SweepTargets = append([]float64(nil), targets...)
}

func (f *File) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(f.filepath))
	return ext == ".yaml" || ext == ".yml"
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using a decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	if f.isYAML() {
		err = yaml.Unmarshal(b, &conf)
	} else {
		err = json.Unmarshal(b, &conf)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	if err := conf.validate(); err != nil {
		return pkgerrors.Wrapf(err, "invalid config in file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	if f.isYAML() {
		enc := yaml.NewEncoder(fp)
		enc.SetIndent(2)
		err = enc.Encode(f.c)
		if err == nil {
			err = enc.Close()
		}
	} else {
		enc := json.NewEncoder(fp)
		enc.SetIndent("", "  ")
		err = enc.Encode(f.c)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	fields := logrus.Fields{
		"warmUp":             f.WarmUp().String(),
		"tolerance":          f.Tolerance(),
		"calibrationDir":     f.CalibrationDir(),
		"spiPort":            f.SPIPort(),
		"spiSpeedHz":         f.SPISpeedHz(),
		"i2cBus":             f.I2CBus(),
		"dacAddress":         f.DACAddress(),
		"dryRun":             f.DryRun(),
		"runLogPath":         f.RunLogPath(),
		"allowNonRootAccess": f.AllowNonRootAccess(),
		"sweepCron":          f.SweepCron(),
		"sweepChip":          f.SweepChip(),
		"sweepTargets":       f.SweepTargets(),
	}
	if ref := f.ReferenceFTUNE(); ref != nil {
		fields["referenceFTUNE"] = *ref
	}
	return fields
}
