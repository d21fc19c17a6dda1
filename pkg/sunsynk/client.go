package sunsynk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/raterudder/sunsynk/pkg/common"
	"github.com/raterudder/sunsynk/pkg/log"
	"github.com/raterudder/sunsynk/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Client reads and writes inverter data. It keeps no session state: every call
// takes the bearer token to use, so one client serves an account across
// re-authentication.
type Client struct {
	api *api
	now func() time.Time
}

// NewClient returns a client talking to baseURL.
func NewClient(baseURL string) *Client {
	return newClient(&api{
		client:  common.HTTPClient(common.RemoteTimeout),
		baseURL: baseURL,
	})
}

func newClient(a *api) *Client {
	return &Client{
		api: a,
		now: time.Now,
	}
}

// doRequest authorises req with token, sends it and decodes the envelope's
// data into dest.
func (c *Client) doRequest(req *http.Request, op, token string, dest interface{}) error {
	ctx := req.Context()
	if token == "" {
		return fmt.Errorf("%s: %w", op, ErrAuthFailure)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	status, body, err := c.api.send(req)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		log.Ctx(ctx).DebugContext(ctx, "sunsynk token refused", slog.String("op", op), slog.Int("status", status))
		return fmt.Errorf("%s: %w", op, ErrAuthFailure)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode sunsynk response", slog.String("op", op), slog.Any("error", err), slog.String("body", string(body)))
		return &RequestError{Op: op, Status: status, Err: err}
	}
	if env.Code == codeUnauthorized {
		log.Ctx(ctx).DebugContext(ctx, "sunsynk token refused", slog.String("op", op), slog.String("msg", env.Msg))
		return fmt.Errorf("%s: %w", op, ErrAuthFailure)
	}
	if status != http.StatusOK {
		return &RequestError{Op: op, Status: status, Err: fmt.Errorf("unexpected status: %s", env.Msg)}
	}
	if env.Code != codeOK {
		log.Ctx(ctx).ErrorContext(ctx, "sunsynk api error", slog.String("op", op), slog.Int("code", env.Code), slog.String("msg", env.Msg))
		return &RequestError{Op: op, Status: status, Err: fmt.Errorf("api error %d: %s", env.Code, env.Msg)}
	}

	if dest == nil {
		log.Ctx(ctx).DebugContext(ctx, "sunsynk request success (no destination)", slog.String("url", req.URL.String()))
		return nil
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode sunsynk data", slog.String("op", op), slog.Any("error", err))
		return &RequestError{Op: op, Status: status, Err: fmt.Errorf("failed to decode data: %w", err)}
	}
	return nil
}

func (c *Client) get(ctx context.Context, op, endpoint string, params url.Values, token string, dest interface{}) error {
	req, err := c.api.newGetRequest(ctx, endpoint, params)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	return c.doRequest(req, op, token, dest)
}

// FetchSettings reads the charge schedule of an inverter.
func (c *Client) FetchSettings(ctx context.Context, serial, token string) (types.Settings, error) {
	var data map[string]any
	if err := c.get(ctx, "read settings", fmt.Sprintf("api/v1/common/setting/%s/read", serial), nil, token, &data); err != nil {
		return types.Settings{}, err
	}
	s, err := types.ParseWireSettings(serial, data)
	if err != nil {
		return types.Settings{}, &RequestError{Op: "read settings", Err: err}
	}
	s.Token = token
	return s, nil
}

// PushSettings writes the whole charge schedule. The remote overwrites all six
// slots so every slot in s must be current.
func (c *Client) PushSettings(ctx context.Context, s types.Settings, token string) error {
	log.Ctx(ctx).InfoContext(ctx, "writing sunsynk settings", slog.String("serial", s.SerialNumber))
	req, err := c.api.newPostJSONRequest(ctx, fmt.Sprintf("api/v1/common/setting/%s/set", s.SerialNumber), s.WireBody())
	if err != nil {
		return &RequestError{Op: "write settings", Err: err}
	}
	return c.doRequest(req, "write settings", token, nil)
}

// FetchTelemetry reads grid, battery, solar and temperature data
// concurrently. Any failure fails the whole call.
func (c *Client) FetchTelemetry(ctx context.Context, serial, token string) (types.Telemetry, error) {
	var t types.Telemetry
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		t.Grid, err = c.fetchGrid(ctx, serial, token)
		return err
	})
	eg.Go(func() error {
		var err error
		t.Battery, err = c.fetchBattery(ctx, serial, token)
		return err
	})
	eg.Go(func() error {
		var err error
		t.Solar, err = c.fetchSolar(ctx, serial, token)
		return err
	})
	eg.Go(func() error {
		var err error
		t.Temperatures, err = c.fetchTemperatures(ctx, serial, token)
		return err
	})
	if err := eg.Wait(); err != nil {
		return types.Telemetry{}, err
	}

	log.Ctx(ctx).DebugContext(ctx, "sunsynk telemetry",
		slog.String("serial", serial),
		slog.Float64("gridW", t.Grid.Power),
		slog.Float64("batteryW", t.Battery.Power),
		slog.Float64("soc", t.Battery.SOC),
		slog.Float64("solarW", t.Solar.Power),
		slog.String("tempStatus", t.Temperatures.Status),
	)
	return t, nil
}

type gridResult struct {
	Pac number `json:"pac"`
	Vip []struct {
		Volt    number `json:"volt"`
		Current number `json:"current"`
		Power   number `json:"power"`
	} `json:"vip"`
}

func (c *Client) fetchGrid(ctx context.Context, serial, token string) (types.Grid, error) {
	params := url.Values{}
	params.Set("sn", serial)

	var res gridResult
	if err := c.get(ctx, "read grid", fmt.Sprintf("api/v1/inverter/grid/%s/realtime", serial), params, token, &res); err != nil {
		return types.Grid{}, err
	}
	g := types.Grid{Power: float64(res.Pac)}
	if len(res.Vip) > 0 {
		g.Voltage = float64(res.Vip[0].Volt)
		g.Current = float64(res.Vip[0].Current)
	}
	return g, nil
}

type batteryResult struct {
	Voltage number `json:"voltage"`
	Current number `json:"current"`
	Power   number `json:"power"`
	SOC     number `json:"soc"`
	Temp    number `json:"temp"`
}

func (c *Client) fetchBattery(ctx context.Context, serial, token string) (types.Battery, error) {
	params := url.Values{}
	params.Set("sn", serial)
	params.Set("lan", "en")

	var res batteryResult
	if err := c.get(ctx, "read battery", fmt.Sprintf("api/v1/inverter/battery/%s/realtime", serial), params, token, &res); err != nil {
		return types.Battery{}, err
	}
	return types.Battery{
		Voltage:     float64(res.Voltage),
		Current:     float64(res.Current),
		Power:       float64(res.Power),
		SOC:         float64(res.SOC),
		Temperature: float64(res.Temp),
	}, nil
}

type inputResult struct {
	EToday number `json:"etoday"`
	ETotal number `json:"etotal"`
	Pac    number `json:"pac"`
	PvIV   []struct {
		Ppv number `json:"ppv"`
	} `json:"pvIV"`
}

func (c *Client) fetchSolar(ctx context.Context, serial, token string) (types.Solar, error) {
	var res inputResult
	if err := c.get(ctx, "read solar", fmt.Sprintf("api/v1/inverter/%s/realtime/input", serial), nil, token, &res); err != nil {
		return types.Solar{}, err
	}
	s := types.Solar{
		EnergyToday: float64(res.EToday),
		EnergyTotal: float64(res.ETotal),
		Power:       float64(res.Pac),
	}
	// the per-string readings are fresher than pac when present
	if len(res.PvIV) > 0 {
		var sum float64
		for _, pv := range res.PvIV {
			sum += float64(pv.Ppv)
		}
		s.Power = sum
	}
	return s, nil
}

type dayOutputResult struct {
	Infos []struct {
		Label   string `json:"label"`
		Unit    string `json:"unit"`
		Records []struct {
			Time  string `json:"time"`
			Value number `json:"value"`
		} `json:"records"`
	} `json:"infos"`
}

const temperatureStatusMissing = "missing"

func (c *Client) fetchTemperatures(ctx context.Context, serial, token string) (types.Temperatures, error) {
	params := url.Values{}
	params.Set("lan", "en")
	params.Set("date", c.now().Format("2006-01-02"))
	params.Set("column", "dc_temp,igbt_temp")

	var res dayOutputResult
	if err := c.get(ctx, "read temperatures", fmt.Sprintf("api/v1/inverter/%s/output/day", serial), params, token, &res); err != nil {
		return types.Temperatures{}, err
	}

	t := types.Temperatures{Status: temperatureStatusMissing}
	var haveAC, haveDC bool
	for _, info := range res.Infos {
		if len(info.Records) == 0 {
			continue
		}
		last := float64(info.Records[len(info.Records)-1].Value)
		switch info.Label {
		case "igbt_temp":
			t.AC = last
			haveAC = true
		case "dc_temp":
			t.DC = last
			haveDC = true
		}
	}
	if haveAC && haveDC {
		t.Status = types.TemperatureStatusOK
	}
	return t, nil
}

type inverterListResult struct {
	Total int `json:"total"`
	Infos []struct {
		SN     string `json:"sn"`
		Alias  string `json:"alias"`
		GSN    string `json:"gsn"`
		Status int    `json:"status"`
		Plant  struct {
			Name string `json:"name"`
		} `json:"plant"`
	} `json:"infos"`
}

// ListInverters returns the inverters registered to the account the token
// belongs to.
func (c *Client) ListInverters(ctx context.Context, token string) ([]types.Inverter, error) {
	params := url.Values{}
	params.Set("page", "1")
	params.Set("limit", "10")
	params.Set("total", "0")
	params.Set("status", "-1")
	params.Set("sn", "")
	params.Set("plantId", "")
	params.Set("type", "-2")
	params.Set("softVer", "")
	params.Set("hmiVer", "")
	params.Set("agentCompanyId", "-1")
	params.Set("gsn", "")

	var res inverterListResult
	if err := c.get(ctx, "list inverters", "api/v1/inverters", params, token, &res); err != nil {
		return nil, err
	}
	out := make([]types.Inverter, 0, len(res.Infos))
	for _, info := range res.Infos {
		out = append(out, types.Inverter{
			SerialNumber: info.SN,
			Alias:        info.Alias,
			GatewaySN:    info.GSN,
			Status:       info.Status,
			PlantName:    info.Plant.Name,
		})
	}
	log.Ctx(ctx).DebugContext(ctx, "sunsynk inverters", slog.Int("count", len(out)))
	return out, nil
}
