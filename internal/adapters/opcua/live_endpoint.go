package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/nodercif/sensorrelay/internal/ports"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	ApplicationName string        `yaml:"application_name"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ProbeOnStart    bool          `yaml:"probe_on_start"`
	Points          Points        `yaml:"points"`
}

// Points maps each measured quantity to the node that receives it.
type Points struct {
	Temperature string `yaml:"temperature"`
	Humidity    string `yaml:"humidity"`
	Pressure    string `yaml:"pressure"`
}

const (
	DefaultEndpoint        = "opc.tcp://localhost:4840"
	DefaultTemperatureNode = "ns=2;i=123"
	DefaultHumidityNode    = "ns=2;i=124"
	DefaultPressureNode    = "ns=2;i=125"
	defaultDialTimeout     = 5 * time.Second
	defaultRequestTimeout  = 5 * time.Second
	defaultApplicationName = "Sensor Relay"
)

func (c *Config) ApplyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = defaultApplicationName
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.Points.Temperature == "" {
		c.Points.Temperature = DefaultTemperatureNode
	}
	if c.Points.Humidity == "" {
		c.Points.Humidity = DefaultHumidityNode
	}
	if c.Points.Pressure == "" {
		c.Points.Pressure = DefaultPressureNode
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if !strings.HasPrefix(c.Endpoint, "opc.tcp://") {
		return fmt.Errorf("endpoint %q must use the opc.tcp scheme", c.Endpoint)
	}
	for _, p := range c.Points.All() {
		if _, err := ua.ParseNodeID(p); err != nil {
			return fmt.Errorf("parse node id %q: %w", p, err)
		}
	}
	return nil
}

// All returns the point ids in write order: temperature, humidity, pressure.
func (p Points) All() []string {
	return []string{p.Temperature, p.Humidity, p.Pressure}
}

// Endpoint dials a fresh OPC UA session for every Connect call.
type Endpoint struct {
	cfg Config
}

func NewEndpoint(cfg Config) (*Endpoint, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Endpoint{cfg: cfg}, nil
}

func (e *Endpoint) Config() Config { return e.cfg }

func (e *Endpoint) Connect(ctx context.Context) (ports.LiveSession, error) {
	return e.connect(ctx)
}

func (e *Endpoint) connect(ctx context.Context) (*Session, error) {
	client, err := opcua.NewClient(e.cfg.Endpoint, e.buildClientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("opcua new client: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	defer cancel()
	if err := client.Connect(dialCtx); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("opcua connect %s: %w", e.cfg.Endpoint, err)
	}
	return &Session{client: client, requestTimeout: e.cfg.RequestTimeout}, nil
}

// Probe connects and reads every configured point once. It mirrors the
// pre-flight check run before the relay starts listening.
func (e *Endpoint) Probe(ctx context.Context) (map[string]float64, error) {
	s, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Disconnect(context.WithoutCancel(ctx))

	values := make(map[string]float64, 3)
	for _, id := range e.cfg.Points.All() {
		v, err := s.ReadFloat(ctx, id)
		if err != nil {
			return values, err
		}
		values[id] = v
	}
	return values, nil
}

func (e *Endpoint) buildClientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(e.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(e.cfg.SecurityPolicy)),
		opcua.ApplicationName(e.cfg.ApplicationName),
		opcua.DialTimeout(e.cfg.DialTimeout),
		opcua.RequestTimeout(e.cfg.RequestTimeout),
		opcua.AutoReconnect(false),
	}

	if e.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(e.cfg.Username, e.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

// Session is one connected client. It is owned by a single request.
type Session struct {
	client         *opcua.Client
	requestTimeout time.Duration
}

func (s *Session) Point(id string) (ports.WritablePoint, error) {
	nodeID, err := ua.ParseNodeID(id)
	if err != nil {
		return nil, fmt.Errorf("parse node id %q: %w", id, err)
	}
	return &point{session: s, id: id, nodeID: nodeID}, nil
}

func (s *Session) Disconnect(ctx context.Context) error {
	if err := s.client.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("opcua close: %w", err)
	}
	return nil
}

// ReadFloat reads the current value attribute of a numeric node.
func (s *Session) ReadFloat(ctx context.Context, id string) (float64, error) {
	nodeID, err := ua.ParseNodeID(id)
	if err != nil {
		return 0, fmt.Errorf("parse node id %q: %w", id, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	resp, err := s.client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        []*ua.ReadValueID{{NodeID: nodeID, AttributeID: ua.AttributeIDValue}},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return 0, fmt.Errorf("read node %q: %w", id, err)
	}
	if len(resp.Results) == 0 {
		return 0, fmt.Errorf("read node %q failed: empty result", id)
	}
	if resp.Results[0].Status != ua.StatusOK {
		return 0, fmt.Errorf("read node %q failed: %w", id, resp.Results[0].Status)
	}
	v, ok := variantToFloat(resp.Results[0].Value)
	if !ok {
		return 0, fmt.Errorf("read node %q: unsupported type %T", id, resp.Results[0].Value.Value())
	}
	return v, nil
}

type point struct {
	session *Session
	id      string
	nodeID  *ua.NodeID
}

func (p *point) WriteFloat(ctx context.Context, v float64) error {
	ctx, cancel := context.WithTimeout(ctx, p.session.requestTimeout)
	defer cancel()

	resp, err := p.session.client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      p.nodeID,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        ua.MustVariant(v),
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("write node %q: %w", p.id, err)
	}
	if len(resp.Results) == 0 {
		return fmt.Errorf("write node %q failed: empty result", p.id)
	}
	if resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("write node %q failed: %w", p.id, resp.Results[0])
	}
	return nil
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var (
	_ ports.LiveEndpoint = (*Endpoint)(nil)
	_ ports.LiveSession  = (*Session)(nil)
)
