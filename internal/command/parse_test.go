package command

import (
	"errors"
	"testing"

	"example.com/backstage/services/endpoint/internal/core"
)

func TestParse_DeviceOps(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    DeviceOp
	}{
		{
			name:    "led on",
			payload: `{"cmd":"led","led_id":1,"action":"on"}`,
			want:    DeviceOp{Device: core.DeviceLED, ID: 1, Action: ActionOn},
		},
		{
			name:    "led brightness",
			payload: `{"cmd":"led","led_id":1,"action":"brightness","brightness":128}`,
			want:    DeviceOp{Device: core.DeviceLED, ID: 1, Action: ActionBrightness, Brightness: 128},
		},
		{
			name:    "relay on",
			payload: `{"cmd":"relay","relay_id":1,"action":"on"}`,
			want:    DeviceOp{Device: core.DeviceRelay, ID: 1, Action: ActionOn},
		},
		{
			name:    "servo angle",
			payload: `{"cmd":"servo","servo_id":1,"angle":90}`,
			want:    DeviceOp{Device: core.DeviceServo, ID: 1, Action: ActionAngle, Angle: 90},
		},
		{
			name:    "pwm",
			payload: `{"cmd":"pwm","channel":2,"frequency":5000,"duty_cycle":50.0}`,
			want:    DeviceOp{Device: core.DevicePWM, ID: 2, Action: ActionSet, Frequency: 5000, Duty: 50},
		},
		{
			name:    "generic device_id",
			payload: `{"cmd":"relay","device_id":2,"action":"off"}`,
			want:    DeviceOp{Device: core.DeviceRelay, ID: 2, Action: ActionOff},
		},
		{
			name:    "integral float id",
			payload: `{"cmd":"servo","servo_id":2.0,"angle":180}`,
			want:    DeviceOp{Device: core.DeviceServo, ID: 2, Action: ActionAngle, Angle: 180},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			op, ok := msg.(DeviceOp)
			if !ok {
				t.Fatalf("expected DeviceOp, got %T", msg)
			}
			if op != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, op)
			}
		})
	}
}

func TestParse_Preset(t *testing.T) {
	payload := `{"cmd":"preset","device_type":"led","preset_type":"blink",
		"device_id":0,"parameters":{"count":3,"on_time":500,"off_time":500}}`

	msg, err := Parse([]byte(payload))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	p, ok := msg.(Preset)
	if !ok {
		t.Fatalf("expected Preset, got %T", msg)
	}
	if p.DeviceType != core.DeviceLED || p.PresetType != "blink" || p.DeviceID != 0 {
		t.Errorf("unexpected preset header %+v", p)
	}
	if p.Target() != (Target{DeviceType: core.DeviceLED, DeviceID: 0}) {
		t.Errorf("unexpected target %+v", p.Target())
	}

	count, err := p.Parameters.Int("count", 1)
	if err != nil || count != 3 {
		t.Errorf("expected count 3, got %d (%v)", count, err)
	}
	reverse, err := p.Parameters.Bool("reverse", false)
	if err != nil || reverse {
		t.Errorf("expected default reverse false, got %v (%v)", reverse, err)
	}
}

func TestParse_PresetWithoutParameters(t *testing.T) {
	msg, err := Parse([]byte(`{"cmd":"preset","device_type":"relay","preset_type":"timed_switch"}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	p := msg.(Preset)
	if p.DeviceID != 0 {
		t.Errorf("expected broadcast id 0, got %d", p.DeviceID)
	}
	if p.Parameters == nil {
		t.Error("expected empty parameters, got nil")
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		kind    error
		field   string
	}{
		{"empty", ``, ErrMalformed, ""},
		{"not json", `hello`, ErrMalformed, ""},
		{"array", `[1,2]`, ErrMalformed, ""},
		{"null", `null`, ErrMalformed, ""},
		{"truncated", `{"cmd":"led"`, ErrMalformed, ""},
		{"missing cmd", `{"led_id":1}`, ErrMalformed, "cmd"},
		{"cmd not string", `{"cmd":5}`, ErrMalformed, "cmd"},
		{"unknown cmd", `{"cmd":"buzzer","device_id":1}`, ErrUnknownCommand, "cmd"},
		{"missing id", `{"cmd":"led","action":"on"}`, ErrMalformed, "led_id"},
		{"negative id", `{"cmd":"led","led_id":-1,"action":"on"}`, ErrOutOfRange, "led_id"},
		{"id above u8", `{"cmd":"led","led_id":256,"action":"on"}`, ErrOutOfRange, "led_id"},
		{"fractional id", `{"cmd":"led","led_id":1.5,"action":"on"}`, ErrMalformed, "led_id"},
		{"unknown led action", `{"cmd":"led","led_id":1,"action":"toggle"}`, ErrMalformed, "action"},
		{"brightness too high", `{"cmd":"led","led_id":1,"action":"brightness","brightness":256}`, ErrOutOfRange, "brightness"},
		{"brightness missing", `{"cmd":"led","led_id":1,"action":"brightness"}`, ErrMalformed, "brightness"},
		{"servo angle too high", `{"cmd":"servo","servo_id":1,"angle":181}`, ErrOutOfRange, "angle"},
		{"servo angle negative", `{"cmd":"servo","servo_id":1,"angle":-5}`, ErrOutOfRange, "angle"},
		{"pwm frequency zero", `{"cmd":"pwm","channel":1,"frequency":0,"duty_cycle":10}`, ErrOutOfRange, "frequency"},
		{"pwm frequency too high", `{"cmd":"pwm","channel":1,"frequency":40001,"duty_cycle":10}`, ErrOutOfRange, "frequency"},
		{"pwm duty too high", `{"cmd":"pwm","channel":1,"frequency":1000,"duty_cycle":100.5}`, ErrOutOfRange, "duty_cycle"},
		{"pwm duty string", `{"cmd":"pwm","channel":1,"frequency":1000,"duty_cycle":"50"}`, ErrMalformed, "duty_cycle"},
		{"preset bad type", `{"cmd":"preset","device_type":"fan","preset_type":"blink"}`, ErrMalformed, "device_type"},
		{"preset missing type", `{"cmd":"preset","device_type":"led"}`, ErrMalformed, "preset_type"},
		{"preset bad parameters", `{"cmd":"preset","device_type":"led","preset_type":"blink","parameters":[1]}`, ErrMalformed, "parameters"},
		{"preset device_id range", `{"cmd":"preset","device_type":"led","preset_type":"blink","device_id":300}`, ErrOutOfRange, "device_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.payload))
			if err == nil {
				t.Fatalf("expected error, got %+v", msg)
			}
			if msg != nil {
				t.Errorf("expected nil message on error, got %+v", msg)
			}
			if !errors.Is(err, tt.kind) {
				t.Errorf("expected kind %v, got %v", tt.kind, err)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %T", err)
			}
			if pe.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, pe.Field)
			}
		})
	}
}

func TestParseDeviceOp_RejectsPreset(t *testing.T) {
	_, err := ParseDeviceOp([]byte(`{"cmd":"preset","device_type":"led","preset_type":"blink"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected malformed, got %v", err)
	}
}

func TestParameters_Accessors(t *testing.T) {
	msg, err := Parse([]byte(`{"cmd":"preset","device_type":"led","preset_type":"wave",
		"parameters":{"led_sequence":[4,3,2],"interval_ms":null,"reverse":"yes","duty":12.5}}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	params := msg.(Preset).Parameters

	seq, err := params.Ints("led_sequence")
	if err != nil || len(seq) != 3 || seq[0] != 4 {
		t.Errorf("expected [4 3 2], got %v (%v)", seq, err)
	}
	interval, err := params.Int("interval_ms", 200)
	if err != nil || interval != 200 {
		t.Errorf("expected null to yield default 200, got %d (%v)", interval, err)
	}
	if _, err := params.Bool("reverse", false); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected malformed reverse, got %v", err)
	}
	duty, err := params.Float("duty", 0)
	if err != nil || duty != 12.5 {
		t.Errorf("expected 12.5, got %v (%v)", duty, err)
	}
	if params.Has("missing") {
		t.Error("expected missing parameter to be absent")
	}
}
