// Package sunsynktest provides an in-memory SunSynk Connect remote for tests.
package sunsynktest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Counters of the calls the remote has seen.
type Counters struct {
	PasswordGrants int
	RefreshGrants  int
	SettingsReads  int
	SettingsWrites int
	TelemetryReads int
	InverterLists  int
}

// Inverter is a device registered with the fake account.
type Inverter struct {
	Serial   string
	Alias    string
	Settings map[string]any

	GridPower      float64
	GridVoltage    float64
	BatterySOC     float64
	BatteryPower   float64
	SolarPower     float64
	ACTemperature  float64
	DCTemperature  float64
	NoTemperatures bool
}

// Server emulates the token endpoint and the inverter endpoints.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	Username  string
	Password  string
	ExpiresIn int
	// TokenDelay holds each token exchange before answering.
	TokenDelay time.Duration
	// TokenNotFound makes the token endpoint answer 404.
	TokenNotFound bool
	// FailPath makes any data call whose path contains it answer 500.
	FailPath string

	inverters map[string]*Inverter
	tokens    map[string]bool
	refresh   map[string]bool
	issued    int
	counters  Counters
	pushes    []map[string]string
}

// NewServer starts a remote that accepts username/password.
func NewServer(username, password string) *Server {
	s := &Server{
		Username:  username,
		Password:  password,
		ExpiresIn: 3600,
		inverters: map[string]*Inverter{},
		tokens:    map[string]bool{},
		refresh:   map[string]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", s.handleToken)
	mux.HandleFunc("GET /api/v1/inverters", s.handleList)
	mux.HandleFunc("GET /api/v1/common/setting/{sn}/read", s.handleRead)
	mux.HandleFunc("POST /api/v1/common/setting/{sn}/set", s.handleSet)
	mux.HandleFunc("GET /api/v1/inverter/grid/{sn}/realtime", s.handleGrid)
	mux.HandleFunc("GET /api/v1/inverter/battery/{sn}/realtime", s.handleBattery)
	mux.HandleFunc("GET /api/v1/inverter/{sn}/realtime/input", s.handleInput)
	mux.HandleFunc("GET /api/v1/inverter/{sn}/output/day", s.handleDay)
	s.Server = httptest.NewServer(mux)
	return s
}

// AddInverter registers an inverter. A nil Settings gets a default schedule.
func (s *Server) AddInverter(inv Inverter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv.Settings == nil {
		inv.Settings = DefaultSettings()
	}
	s.inverters[inv.Serial] = &inv
}

// DefaultSettings is a six slot schedule in wire form.
func DefaultSettings() map[string]any {
	m := map[string]any{}
	for i := 1; i <= 6; i++ {
		m[fmt.Sprintf("time%don", i)] = false
		m[fmt.Sprintf("genTime%don", i)] = false
		m[fmt.Sprintf("sellTime%d", i)] = fmt.Sprintf("%02d:00", (i-1)*4)
		m[fmt.Sprintf("cap%d", i)] = "20"
		m[fmt.Sprintf("sellTime%dPac", i)] = "5000"
	}
	return m
}

// Counters returns a snapshot of the call counters.
func (s *Server) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Pushes returns the bodies of every settings write.
func (s *Server) Pushes() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.pushes...)
}

// RevokeTokens invalidates every access token issued so far. Refresh tokens
// stay valid.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = map[string]bool{}
}

// SetInverterSetting changes a wire key of an inverter as if from another
// client.
func (s *Server) SetInverterSetting(serial, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inverters[serial].Settings[key] = value
}

func writeEnvelope(w http.ResponseWriter, status, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"msg":     msg,
		"success": code == 0,
		"data":    data,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, 400, "bad body", nil)
		return
	}

	s.mu.Lock()
	delay, notFound := s.TokenDelay, s.TokenNotFound
	switch body["grant_type"] {
	case "password":
		s.counters.PasswordGrants++
	case "refresh_token":
		s.counters.RefreshGrants++
	}
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if notFound {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"status": 404, "error": "Not Found", "path": r.URL.Path})
		return
	}
	if body["client_id"] != "csp-web" {
		writeEnvelope(w, http.StatusOK, 400, "unknown client", nil)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch body["grant_type"] {
	case "password":
		if body["username"] != s.Username || body["password"] != s.Password {
			writeEnvelope(w, http.StatusOK, 102, "Username or password incorrect", nil)
			return
		}
	case "refresh_token":
		if !s.refresh[body["refresh_token"]] {
			writeEnvelope(w, http.StatusOK, 102, "Invalid refresh token", nil)
			return
		}
	default:
		writeEnvelope(w, http.StatusOK, 400, "unsupported grant", nil)
		return
	}

	s.issued++
	access := fmt.Sprintf("access-%d", s.issued)
	refresh := fmt.Sprintf("refresh-%d", s.issued)
	s.tokens[access] = true
	s.refresh[refresh] = true
	writeEnvelope(w, http.StatusOK, 0, "Success", map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"refresh_token": refresh,
		"expires_in":    s.ExpiresIn,
		"scope":         "all",
	})
}

// authorize checks the bearer token and the failure switches. It must be
// called with mu held and writes the response itself when it returns false.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !s.tokens[token] {
		writeEnvelope(w, http.StatusUnauthorized, 401, "Authentication Fail", nil)
		return false
	}
	if s.FailPath != "" && strings.Contains(r.URL.Path, s.FailPath) {
		writeEnvelope(w, http.StatusInternalServerError, 500, "internal error", nil)
		return false
	}
	return true
}

func (s *Server) inverter(w http.ResponseWriter, r *http.Request) *Inverter {
	inv, ok := s.inverters[r.PathValue("sn")]
	if !ok {
		writeEnvelope(w, http.StatusOK, 404, "inverter not found", nil)
		return nil
	}
	return inv
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.InverterLists++
	if !s.authorize(w, r) {
		return
	}
	infos := []map[string]any{}
	for _, inv := range s.inverters {
		infos = append(infos, map[string]any{
			"sn":     inv.Serial,
			"alias":  inv.Alias,
			"gsn":    "G" + inv.Serial,
			"status": 1,
			"plant":  map[string]any{"name": "Home"},
		})
	}
	writeEnvelope(w, http.StatusOK, 0, "Success", map[string]any{"total": len(infos), "infos": infos})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.SettingsReads++
	if !s.authorize(w, r) {
		return
	}
	inv := s.inverter(w, r)
	if inv == nil {
		return
	}
	writeEnvelope(w, http.StatusOK, 0, "Success", inv.Settings)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.SettingsWrites++
	if !s.authorize(w, r) {
		return
	}
	inv := s.inverter(w, r)
	if inv == nil {
		return
	}
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, 400, "bad body", nil)
		return
	}
	s.pushes = append(s.pushes, body)
	for k, v := range body {
		if k == "sn" {
			continue
		}
		switch v {
		case "true":
			inv.Settings[k] = true
		case "false":
			inv.Settings[k] = false
		default:
			inv.Settings[k] = v
		}
	}
	writeEnvelope(w, http.StatusOK, 0, "Success", nil)
}

func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.TelemetryReads++
	if !s.authorize(w, r) {
		return
	}
	inv := s.inverter(w, r)
	if inv == nil {
		return
	}
	writeEnvelope(w, http.StatusOK, 0, "Success", map[string]any{
		"pac": inv.GridPower,
		"vip": []map[string]any{{"volt": fmt.Sprint(inv.GridVoltage), "current": "1.5", "power": inv.GridPower}},
	})
}

func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authorize(w, r) {
		return
	}
	inv := s.inverter(w, r)
	if inv == nil {
		return
	}
	writeEnvelope(w, http.StatusOK, 0, "Success", map[string]any{
		"voltage": "52.1",
		"current": "-3.2",
		"power":   inv.BatteryPower,
		"soc":     fmt.Sprint(inv.BatterySOC),
		"temp":    "24.5",
	})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authorize(w, r) {
		return
	}
	inv := s.inverter(w, r)
	if inv == nil {
		return
	}
	writeEnvelope(w, http.StatusOK, 0, "Success", map[string]any{
		"etoday": 12.3,
		"etotal": "4567.8",
		"pac":    inv.SolarPower,
		"pvIV":   []map[string]any{{"ppv": inv.SolarPower / 2}, {"ppv": inv.SolarPower / 2}},
	})
}

func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authorize(w, r) {
		return
	}
	inv := s.inverter(w, r)
	if inv == nil {
		return
	}
	infos := []map[string]any{}
	if !inv.NoTemperatures {
		date := r.URL.Query().Get("date")
		infos = append(infos,
			map[string]any{"label": "dc_temp", "unit": "℃", "records": []map[string]any{
				{"time": date + " 00:05", "value": "10"},
				{"time": date + " 00:10", "value": fmt.Sprint(inv.DCTemperature)},
			}},
			map[string]any{"label": "igbt_temp", "unit": "℃", "records": []map[string]any{
				{"time": date + " 00:10", "value": fmt.Sprint(inv.ACTemperature)},
			}},
		)
	}
	writeEnvelope(w, http.StatusOK, 0, "Success", map[string]any{"infos": infos})
}
