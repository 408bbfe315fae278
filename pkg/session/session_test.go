package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/psi-tdc/delayctl/pkg/board"
	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/resolver"
	"github.com/psi-tdc/delayctl/pkg/session"
	"github.com/psi-tdc/delayctl/pkg/store"
)

const ps = 1e-12

func writeLinearCalibration(dir string, chip calibration.ChipID) (string, string) {
	dPath := filepath.Join(dir, store.FileName(chip, calibration.ParameterD))
	ftunePath := filepath.Join(dir, store.FileName(chip, calibration.ParameterFTUNE))
	Expect(os.WriteFile(dPath, []byte("D,delay\n0,0\n1023,1.023e-8\n"), 0644)).To(Succeed())
	Expect(os.WriteFile(ftunePath, []byte("FTUNE,delay\n0,0\n1,5e-11\n"), 0644)).To(Succeed())
	return dPath, ftunePath
}

type fakeRecorder struct {
	mu           sync.Mutex
	resolutions  []*resolver.ResolvedSetting
	measurements []*board.Measurement
	sessionIDs   []string
}

func (r *fakeRecorder) RecordResolution(_ context.Context, id string, s *resolver.ResolvedSetting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolutions = append(r.resolutions, s)
	r.sessionIDs = append(r.sessionIDs, id)
	return nil
}

func (r *fakeRecorder) RecordMeasurement(_ context.Context, id string, m *board.Measurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.measurements = append(r.measurements, m)
	r.sessionIDs = append(r.sessionIDs, id)
	return nil
}

var _ = Describe("Session", func() {
	var (
		mockCtrl  *gomock.Controller
		transport *MockTransport
		opens     int
		opener    session.Opener
		ctx       context.Context
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		transport = NewMockTransport(mockCtrl)
		opens = 0
		opener = func() (board.Transport, error) {
			opens++
			return transport, nil
		}
		ctx = context.Background()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	expectRelease := func() {
		gomock.InOrder(
			transport.EXPECT().Disable(gomock.Any()).Return(nil),
			transport.EXPECT().Close().Return(nil),
		)
	}

	Context("lifecycle", func() {
		It("should reach READY without blocking when warm-up is zero", func() {
			transport.EXPECT().Enable(gomock.Any()).Return(nil)
			s := session.New(opener, session.Options{})

			start := time.Now()
			Expect(s.Open(ctx)).To(Succeed())

			Expect(time.Since(start)).To(BeNumerically("<", 100*time.Millisecond))
			Expect(s.State()).To(Equal(session.StateReady))
			Expect(s.ID()).NotTo(BeEmpty())
			Expect(opens).To(Equal(1))

			expectRelease()
			Expect(s.Close()).To(Succeed())
			Expect(s.State()).To(Equal(session.StateClosed))
		})

		It("should report every state transition", func() {
			transport.EXPECT().Enable(gomock.Any()).Return(nil)
			var transitions []string
			s := session.New(opener, session.Options{
				OnStateChange: func(id string, from, to session.State) {
					Expect(id).NotTo(BeEmpty())
					transitions = append(transitions, string(from)+"->"+string(to))
				},
			})

			Expect(s.Open(ctx)).To(Succeed())
			expectRelease()
			Expect(s.Close()).To(Succeed())

			Expect(transitions).To(Equal([]string{
				"CLOSED->WARMING_UP",
				"WARMING_UP->READY",
				"READY->CLOSED",
			}))
		})

		It("should take new options only while closed", func() {
			transport.EXPECT().Enable(gomock.Any()).Return(nil).Times(2)
			s := session.New(opener, session.Options{})
			Expect(s.Open(ctx)).To(Succeed())

			var transitions []string
			opts := session.Options{
				OnStateChange: func(_ string, from, to session.State) {
					transitions = append(transitions, string(from)+"->"+string(to))
				},
			}
			Expect(s.Reconfigure(opts)).To(MatchError(session.ErrInvalidState))

			expectRelease()
			Expect(s.Close()).To(Succeed())
			Expect(transitions).To(BeEmpty())

			Expect(s.Reconfigure(opts)).To(Succeed())
			Expect(s.Open(ctx)).To(Succeed())
			Expect(transitions).To(Equal([]string{"CLOSED->WARMING_UP", "WARMING_UP->READY"}))

			expectRelease()
			Expect(s.Close()).To(Succeed())
		})

		It("should not reach READY before the warm-up elapses", func() {
			transport.EXPECT().Enable(gomock.Any()).Return(nil)
			warmUp := 150 * time.Millisecond
			s := session.New(opener, session.Options{WarmUp: warmUp})

			done := make(chan error, 1)
			start := time.Now()
			go func() { done <- s.Open(ctx) }()

			Eventually(s.State).Should(Equal(session.StateWarmingUp))
			Expect(s.Status().WarmUpUntil).NotTo(BeZero())

			var err error
			Eventually(done, time.Second).Should(Receive(&err))
			Expect(err).NotTo(HaveOccurred())
			Expect(time.Since(start)).To(BeNumerically(">=", warmUp))
			Expect(s.State()).To(Equal(session.StateReady))

			expectRelease()
			Expect(s.Close()).To(Succeed())
		})

		It("should refuse to open twice", func() {
			transport.EXPECT().Enable(gomock.Any()).Return(nil)
			s := session.New(opener, session.Options{})
			Expect(s.Open(ctx)).To(Succeed())

			Expect(s.Open(ctx)).To(MatchError(session.ErrInvalidState))

			expectRelease()
			Expect(s.Close()).To(Succeed())
		})

		It("should release the board when the warm-up is cancelled", func() {
			transport.EXPECT().Enable(gomock.Any()).Return(nil)
			expectRelease()
			s := session.New(opener, session.Options{WarmUp: time.Hour})

			cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()

			err := s.Open(cctx)
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(session.IsWarmUpInterrupted(err)).To(BeTrue())
			Expect(s.State()).To(Equal(session.StateClosed))
		})

		It("should release the board when closed during warm-up", func() {
			transport.EXPECT().Enable(gomock.Any()).Return(nil)
			expectRelease()
			s := session.New(opener, session.Options{WarmUp: time.Hour})

			done := make(chan error, 1)
			go func() { done <- s.Open(ctx) }()

			Eventually(func() time.Time { return s.Status().WarmUpUntil }).ShouldNot(BeZero())
			Expect(s.Close()).To(Succeed())

			var err error
			Eventually(done, time.Second).Should(Receive(&err))
			Expect(err).To(HaveOccurred())
			Expect(s.State()).To(Equal(session.StateClosed))
		})

		It("should close the board when enabling fails", func() {
			errEnable := errors.New("spi: no such device")
			gomock.InOrder(
				transport.EXPECT().Enable(gomock.Any()).Return(errEnable),
				transport.EXPECT().Close().Return(nil),
			)
			s := session.New(opener, session.Options{})

			Expect(s.Open(ctx)).To(MatchError(errEnable))
			Expect(s.State()).To(Equal(session.StateClosed))
		})

		It("should fail to open when the board cannot be acquired", func() {
			s := session.New(func() (board.Transport, error) {
				return nil, errors.New("permission denied")
			}, session.Options{})

			Expect(s.Open(ctx)).To(MatchError(ContainSubstring("permission denied")))
			Expect(s.State()).To(Equal(session.StateClosed))
		})
	})

	Context("Run", func() {
		It("should release the board when the body fails", func() {
			errBody := errors.New("boom")
			transport.EXPECT().Enable(gomock.Any()).Return(nil)
			expectRelease()
			s := session.New(opener, session.Options{})

			err := s.Run(ctx, func(ctx context.Context, s *session.Session) error {
				Expect(s.State()).To(Equal(session.StateReady))
				return errBody
			})

			Expect(err).To(BeIdenticalTo(errBody))
			Expect(s.State()).To(Equal(session.StateClosed))
		})

		It("should release the board when the body panics", func() {
			transport.EXPECT().Enable(gomock.Any()).Return(nil)
			expectRelease()
			s := session.New(opener, session.Options{})

			Expect(func() {
				_ = s.Run(ctx, func(context.Context, *session.Session) error {
					panic("body panicked")
				})
			}).To(Panic())
			Expect(s.State()).To(Equal(session.StateClosed))
		})

		It("should report the release error when the body succeeds", func() {
			errDisable := errors.New("spi: write failed")
			transport.EXPECT().Enable(gomock.Any()).Return(nil)
			gomock.InOrder(
				transport.EXPECT().Disable(gomock.Any()).Return(errDisable),
				transport.EXPECT().Close().Return(nil),
			)
			s := session.New(opener, session.Options{})

			err := s.Run(ctx, func(context.Context, *session.Session) error { return nil })
			Expect(err).To(BeIdenticalTo(errDisable))
			Expect(s.State()).To(Equal(session.StateClosed))
		})
	})

	Context("when not READY", func() {
		It("should reject hardware operations", func() {
			s := session.New(opener, session.Options{})

			Expect(s.SetD(ctx, calibration.ChipA, 1)).To(MatchError(session.ErrInvalidState))
			Expect(s.SetFTUNE(ctx, calibration.ChipA, 0.1)).To(MatchError(session.ErrInvalidState))
			_, err := s.SetDelay(ctx, calibration.ChipA, 100*ps)
			Expect(err).To(MatchError(session.ErrInvalidState))
			_, err = s.RunMeasureSequence(ctx)
			Expect(err).To(MatchError(session.ErrInvalidState))
			_, err = s.Sweep(ctx, calibration.ChipA, []float64{100 * ps})
			Expect(err).To(MatchError(session.ErrInvalidState))
			Expect(opens).To(BeZero())
		})

		It("should still load calibration files", func() {
			dPath, ftunePath := writeLinearCalibration(GinkgoT().TempDir(), calibration.ChipB)
			s := session.New(opener, session.Options{})

			c, err := s.LoadCalibrationFiles(calibration.ChipB, dPath, ftunePath)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.IsReady()).To(BeTrue())

			got, ok := s.Calibration(calibration.ChipB)
			Expect(ok).To(BeTrue())
			Expect(got).To(BeIdenticalTo(c))
			Expect(s.Status().Calibration).To(HaveLen(1))
		})
	})

	Context("when READY", func() {
		var (
			s   *session.Session
			dir string
			rec *fakeRecorder
		)

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
			rec = &fakeRecorder{}
			transport.EXPECT().Enable(gomock.Any()).Return(nil)
			s = session.New(opener, session.Options{
				Paths:    store.DefaultPaths(dir),
				Recorder: rec,
			})
			Expect(s.Open(ctx)).To(Succeed())
		})

		AfterEach(func() {
			if s.State() != session.StateClosed {
				expectRelease()
				Expect(s.Close()).To(Succeed())
			}
		})

		It("should resolve and write a delay from the default calibration", func() {
			writeLinearCalibration(dir, calibration.ChipA)

			var ftune float64
			gomock.InOrder(
				transport.EXPECT().WriteD(gomock.Any(), calibration.ChipA, 511).Return(nil),
				transport.EXPECT().WriteFTUNE(gomock.Any(), calibration.ChipA, gomock.Any()).DoAndReturn(
					func(_ context.Context, _ calibration.ChipID, v float64) error {
						ftune = v
						return nil
					}),
			)

			setting, err := s.SetDelay(ctx, calibration.ChipA, 5115*ps)
			Expect(err).NotTo(HaveOccurred())
			Expect(setting.D).To(Equal(511))
			Expect(ftune).To(BeNumerically("~", 0.1, 1e-9))
			Expect(setting.FTUNE).To(Equal(ftune))
			Expect(setting.Residual).To(BeNumerically("~", 0, 1e-15))

			applied := s.Status().Applied[calibration.ChipA]
			Expect(*applied.D).To(Equal(511))
			Expect(applied.Setting).To(Equal(setting))

			Expect(rec.resolutions).To(HaveLen(1))
			Expect(rec.sessionIDs).To(ConsistOf(s.ID()))
		})

		It("should load the default calibration only once", func() {
			writeLinearCalibration(dir, calibration.ChipA)
			transport.EXPECT().WriteD(gomock.Any(), calibration.ChipA, gomock.Any()).Return(nil).Times(2)
			transport.EXPECT().WriteFTUNE(gomock.Any(), calibration.ChipA, gomock.Any()).Return(nil).Times(2)

			_, err := s.SetDelay(ctx, calibration.ChipA, 1000*ps)
			Expect(err).NotTo(HaveOccurred())
			first, _ := s.Calibration(calibration.ChipA)

			Expect(os.RemoveAll(dir)).To(Succeed())

			_, err = s.SetDelay(ctx, calibration.ChipA, 2000*ps)
			Expect(err).NotTo(HaveOccurred())
			second, _ := s.Calibration(calibration.ChipA)
			Expect(second).To(BeIdenticalTo(first))
		})

		It("should prefer an explicitly loaded calibration", func() {
			other := GinkgoT().TempDir()
			dPath := filepath.Join(other, "d.csv")
			ftunePath := filepath.Join(other, "f.csv")
			Expect(os.WriteFile(dPath, []byte("0,0\n100,2e-9\n"), 0644)).To(Succeed())
			Expect(os.WriteFile(ftunePath, []byte("0,0\n1.5,3e-11\n"), 0644)).To(Succeed())

			_, err := s.LoadCalibrationFiles(calibration.ChipB, dPath, ftunePath)
			Expect(err).NotTo(HaveOccurred())

			transport.EXPECT().WriteD(gomock.Any(), calibration.ChipB, 50).Return(nil)
			transport.EXPECT().WriteFTUNE(gomock.Any(), calibration.ChipB, gomock.Any()).Return(nil)

			setting, err := s.SetDelay(ctx, calibration.ChipB, 1000*ps)
			Expect(err).NotTo(HaveOccurred())
			Expect(setting.D).To(Equal(50))
		})

		It("should fail without writing when no calibration exists", func() {
			_, err := s.SetDelay(ctx, calibration.ChipB, 100*ps)
			Expect(err).To(MatchError(store.ErrCalibrationNotFound))
		})

		It("should fail without writing when the target is unreachable", func() {
			writeLinearCalibration(dir, calibration.ChipA)

			_, err := s.SetDelay(ctx, calibration.ChipA, -10*ps)
			Expect(err).To(MatchError(resolver.ErrUnreachableDelay))
			Expect(rec.resolutions).To(BeEmpty())
		})

		It("should pass hardware errors through unchanged", func() {
			errHW := errors.New("i2c: nack")
			transport.EXPECT().WriteFTUNE(gomock.Any(), calibration.ChipA, 0.3).Return(errHW)

			Expect(s.SetFTUNE(ctx, calibration.ChipA, 0.3)).To(BeIdenticalTo(errHW))
			Expect(s.Status().Applied).NotTo(HaveKey(calibration.ChipA))
		})

		It("should write raw settings", func() {
			transport.EXPECT().WriteD(gomock.Any(), calibration.ChipB, 7).Return(nil)
			transport.EXPECT().WriteFTUNE(gomock.Any(), calibration.ChipB, 1.2).Return(nil)

			Expect(s.SetD(ctx, calibration.ChipB, 7)).To(Succeed())
			Expect(s.SetFTUNE(ctx, calibration.ChipB, 1.2)).To(Succeed())

			applied := s.Status().Applied[calibration.ChipB]
			Expect(*applied.D).To(Equal(7))
			Expect(*applied.FTUNE).To(Equal(1.2))
			Expect(applied.Setting).To(BeNil())
		})

		It("should record measurements", func() {
			m := &board.Measurement{Replies: []uint16{1, 2}}
			transport.EXPECT().RunMeasureSequence(gomock.Any()).Return(m, nil)

			got, err := s.RunMeasureSequence(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeIdenticalTo(m))
			Expect(rec.measurements).To(ConsistOf(m))
		})

		It("should sweep every target", func() {
			writeLinearCalibration(dir, calibration.ChipA)
			transport.EXPECT().WriteD(gomock.Any(), calibration.ChipA, gomock.Any()).Return(nil).Times(3)
			transport.EXPECT().WriteFTUNE(gomock.Any(), calibration.ChipA, gomock.Any()).Return(nil).Times(3)
			transport.EXPECT().RunMeasureSequence(gomock.Any()).Return(&board.Measurement{}, nil).Times(3)

			res, err := s.Sweep(ctx, calibration.ChipA, []float64{100 * ps, 200 * ps, 300 * ps})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.ID).NotTo(BeEmpty())
			Expect(res.Steps).To(HaveLen(3))
			Expect(res.Steps[1].Setting.D).To(Equal(20))
		})

		It("should stop a sweep at the first failure", func() {
			writeLinearCalibration(dir, calibration.ChipA)
			transport.EXPECT().WriteD(gomock.Any(), calibration.ChipA, gomock.Any()).Return(nil)
			transport.EXPECT().WriteFTUNE(gomock.Any(), calibration.ChipA, gomock.Any()).Return(nil)
			transport.EXPECT().RunMeasureSequence(gomock.Any()).Return(&board.Measurement{}, nil)

			res, err := s.Sweep(ctx, calibration.ChipA, []float64{100 * ps, 1e-6, 300 * ps})
			Expect(err).To(MatchError(resolver.ErrUnreachableDelay))
			Expect(res.Steps).To(HaveLen(1))
		})

		It("should forget calibrations when closed", func() {
			dPath, ftunePath := writeLinearCalibration(dir, calibration.ChipA)
			_, err := s.LoadCalibrationFiles(calibration.ChipA, dPath, ftunePath)
			Expect(err).NotTo(HaveOccurred())
			firstID := s.ID()

			expectRelease()
			Expect(s.Close()).To(Succeed())
			_, ok := s.Calibration(calibration.ChipA)
			Expect(ok).To(BeFalse())

			transport.EXPECT().Enable(gomock.Any()).Return(nil)
			Expect(s.Open(ctx)).To(Succeed())
			Expect(s.ID()).NotTo(Equal(firstID))
			Expect(s.Status().Calibration).To(BeEmpty())
		})
	})
})
