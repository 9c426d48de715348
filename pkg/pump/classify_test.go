package pump

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  string
		want Inbound
	}{
		{
			name: "single control byte is raw",
			msg:  "\x03",
			want: Inbound{Kind: KindRaw},
		},
		{
			name: "arrow escape is raw",
			msg:  "\x1b[A",
			want: Inbound{Kind: KindRaw},
		},
		{
			name: "plain command is raw",
			msg:  "ls -la\r",
			want: Inbound{Kind: KindRaw},
		},
		{
			name: "short json-looking message is raw",
			msg:  "{}",
			want: Inbound{Kind: KindRaw},
		},
		{
			name: "flat resize",
			msg:  `{"type":"resize","cols":120,"rows":40}`,
			want: Inbound{Kind: KindResize, Cols: 120, Rows: 40},
		},
		{
			name: "nested resize",
			msg:  `{"type":"resize","data":{"cols":80,"rows":24}}`,
			want: Inbound{Kind: KindResize, Cols: 80, Rows: 24},
		},
		{
			name: "data frame",
			msg:  `{"type":"data","data":"echo hi\n"}`,
			want: Inbound{Kind: KindData, Data: []byte("echo hi\n")},
		},
		{
			name: "unknown type is raw",
			msg:  `{"type":"telemetry","data":"x"}`,
			want: Inbound{Kind: KindRaw},
		},
		{
			name: "resize without dimensions is raw",
			msg:  `{"type":"resize"}`,
			want: Inbound{Kind: KindRaw},
		},
		{
			name: "data frame with non-string payload is raw",
			msg:  `{"type":"data","data":{"x":1}}`,
			want: Inbound{Kind: KindRaw},
		},
		{
			name: "invalid json is raw",
			msg:  `{"type":"resize",`,
			want: Inbound{Kind: KindRaw},
		},
		{
			name: "json scalar is raw",
			msg:  `12345`,
			want: Inbound{Kind: KindRaw},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify([]byte(tt.msg)))
		})
	}
}
