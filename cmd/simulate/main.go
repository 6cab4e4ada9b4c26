package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hackgods/patient-flow-orchestrator/internal/appointment"
	"github.com/hackgods/patient-flow-orchestrator/internal/db"
	"github.com/hackgods/patient-flow-orchestrator/internal/logger"
)

// The simulator plays kiosks and doctor portals against a running
// orchestrator: patients tap in (sometimes twice), doctors call the next
// patient and complete consultations, and the front desk reads queues.

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Kiosks       int
	Doctors      int
	ReplayRatio  float64
	ConsultPause time.Duration
	PostgresDSN  string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err != nil || status >= 500:
		atomic.AddInt64(&om.Error, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Success, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, maxLatency time.Duration) {
	om.mu.Lock()
	latencies := slices.Clone(om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	slices.Sort(latencies)

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	p50 = latencies[min(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	return avg, p50, p95, latencies[len(latencies)-1]
}

type Metrics struct {
	CheckIn  OperationMetrics
	Replay   OperationMetrics
	CallNext OperationMetrics
	Complete OperationMetrics
	Snapshot OperationMetrics
}

type Simulator struct {
	config  SimConfig
	appts   []appointment.Appointment
	doctors []string
	next    atomic.Int64
	client  *http.Client
	metrics Metrics
	log     *logrus.Entry
}

func main() {
	log := logger.New(os.Getenv("LOG_LEVEL")).WithComponent("simulate")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	appts, err := loadAppointments(ctx, cfg)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("load appointments")
	}

	sim := &Simulator{
		config:  cfg,
		appts:   appts,
		doctors: doctorsOf(appts, cfg.Doctors),
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
	log.WithFields(logrus.Fields{
		"appointments": len(appts),
		"doctors":      len(sim.doctors),
		"kiosks":       cfg.Kiosks,
		"duration":     cfg.Duration.String(),
	}).Info("simulation starting")

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:   strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Kiosks:       getInt("SIM_KIOSKS", 8),
		Doctors:      getInt("SIM_DOCTORS", appointment.DemoDoctors),
		ReplayRatio:  getFloat("SIM_REPLAY_RATIO", 0.1),
		ConsultPause: getDuration("SIM_CONSULT_PAUSE", 200*time.Millisecond),
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Kiosks <= 0 {
		return fmt.Errorf("SIM_KIOSKS must be > 0")
	}
	if cfg.Doctors <= 0 {
		return fmt.Errorf("SIM_DOCTORS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.ReplayRatio < 0 || cfg.ReplayRatio > 1 {
		return fmt.Errorf("SIM_REPLAY_RATIO must be within [0, 1]")
	}
	return nil
}

// loadAppointments reads today's appointments from Postgres, or regenerates
// the in-memory demo day when no DSN is set.
func loadAppointments(ctx context.Context, cfg SimConfig) ([]appointment.Appointment, error) {
	now := time.Now()
	if cfg.PostgresDSN == "" {
		return appointment.Demo(now), nil
	}

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	appts, err := appointment.NewPgDirectory(pool).ListBetween(ctx, from, from.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	if len(appts) == 0 {
		return nil, fmt.Errorf("no appointments today, run cmd/seed first")
	}
	return appts, nil
}

func doctorsOf(appts []appointment.Appointment, limit int) []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range appts {
		if !seen[a.DoctorID] {
			seen[a.DoctorID] = true
			out = append(out, a.DoctorID)
		}
	}
	slices.Sort(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := range s.config.Kiosks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.kiosk(ctx, fmt.Sprintf("kiosk-%02d", i+1), rand.New(rand.NewSource(time.Now().UnixNano()+int64(i))))
		}()
	}
	for _, doctorID := range s.doctors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.doctor(ctx, doctorID)
		}()
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

// kiosk checks patients in one after another until every appointment has
// been handed out or time runs out.
func (s *Simulator) kiosk(ctx context.Context, kioskID string, rng *rand.Rand) {
	for ctx.Err() == nil {
		idx := int(s.next.Add(1)) - 1
		if idx >= len(s.appts) {
			return
		}
		a := s.appts[idx]
		body := map[string]any{
			"source":           []string{"QR", "NFC"}[rng.Intn(2)],
			"patient_id":       a.PatientID,
			"appointment_id":   a.ID,
			"kiosk_id":         kioskID,
			"device_timestamp": time.Now().UnixMilli(),
		}
		s.call(ctx, &s.metrics.CheckIn, http.MethodPost, "/checkins", body)
		if rng.Float64() < s.config.ReplayRatio {
			s.call(ctx, &s.metrics.Replay, http.MethodPost, "/checkins", body)
		}
		sleep(ctx, time.Duration(rng.Intn(100))*time.Millisecond)
	}
}

// doctor calls the next patient, consults briefly and completes.
func (s *Simulator) doctor(ctx context.Context, doctorID string) {
	for ctx.Err() == nil {
		s.call(ctx, &s.metrics.Snapshot, http.MethodGet, "/doctors/"+doctorID+"/queue", nil)

		status, body := s.call(ctx, &s.metrics.CallNext, http.MethodPost, "/doctors/"+doctorID+"/call-next", nil)
		if status != http.StatusOK {
			sleep(ctx, s.config.ConsultPause)
			continue
		}
		var entry struct {
			AppointmentID string `json:"appointment_id"`
		}
		if err := json.Unmarshal(body, &entry); err != nil || entry.AppointmentID == "" {
			continue
		}

		sleep(ctx, s.config.ConsultPause)
		s.call(ctx, &s.metrics.Complete, http.MethodPost, "/appointments/"+entry.AppointmentID+"/complete", nil)
	}
}

func (s *Simulator) call(ctx context.Context, om *OperationMetrics, method, path string, body any) (int, []byte) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, nil
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			om.Record(latency, 0, err)
		}
		return 0, nil
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	om.Record(latency, resp.StatusCode, nil)
	return resp.StatusCode, out.Bytes()
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Kiosks: %d  Doctors: %d  Appointments: %d\n", s.config.Kiosks, len(s.doctors), len(s.appts))
	fmt.Println()

	printOperationReport("Check-in", &s.metrics.CheckIn)
	printOperationReport("Repeated tap (expect conflicts)", &s.metrics.Replay)
	printOperationReport("Call next", &s.metrics.CallNext)
	printOperationReport("Complete", &s.metrics.Complete)
	printOperationReport("Queue snapshot", &s.metrics.Snapshot)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, maxLatency := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), maxLatency.Round(time.Millisecond))
	fmt.Println()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
