package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func descriptor(host, name string, instance int, state types.State) types.ServiceDescriptor {
	return types.ServiceDescriptor{Host: host, Instance: instance, State: state, Spec: types.ServiceSpec{Name: name}}
}

func TestPrintStatus(t *testing.T) {
	fatal := descriptor("node-2", "tracker", 1, types.StateInactiveNoStart)
	fatal.Fatal = true
	services := map[string]types.ServiceDescriptor{
		"node-1:detector:1": descriptor("node-1", "detector", 1, types.StateRunning),
		"node-1:detector:2": descriptor("node-1", "detector", 2, types.StateRunning),
		"node-2:tracker:1":  fatal,
	}

	var buf bytes.Buffer
	printStatus(&buf, map[string]bool{"node-1": true, "node-2": false}, []string{"node-1", "spare-1"}, services)
	out := buf.String()

	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Regexp(t, `^NODE\s+STATUS\s+SERVICES`, lines[0])
	assert.Regexp(t, `^node-1\s+online\s+2`, lines[1])
	assert.Regexp(t, `^node-2\s+offline\s+1`, lines[2])
	assert.Regexp(t, `^spare-1\s+unconfigured\s+0`, lines[3])

	assert.Regexp(t, `Running\s+2`, out)
	assert.Regexp(t, `InactiveNoStart\s+1`, out)
	assert.Regexp(t, `Fatal\s+1`, out)
	assert.NotContains(t, out, "Configured")
}

func TestPrintServicesSorted(t *testing.T) {
	restarted := descriptor("b", "web", 1, types.StateRunning)
	restarted.Restarts = 2
	services := map[string]types.ServiceDescriptor{
		"b:web:1": restarted,
		"a:db:1":  descriptor("a", "db", 1, types.StateInactive),
	}

	var buf bytes.Buffer
	printServices(&buf, services)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")

	require.Len(t, lines, 3)
	assert.Regexp(t, `^ID\s+HOST\s+SERVICE\s+STATE\s+RESTARTS\s+FATAL`, lines[0])
	assert.Regexp(t, `^a:db:1\s+a\s+db\s+Inactive\s+0`, lines[1])
	assert.Regexp(t, `^b:web:1\s+b\s+web\s+Running\s+2`, lines[2])
}

func TestPrintEvent(t *testing.T) {
	e := &events.Event{
		Type:      events.EventServiceDown,
		Timestamp: time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC),
		Message:   "service went down",
		Metadata: map[string]string{
			events.MetaServiceID: "node-1:web:1",
			events.MetaHost:      "node-1",
		},
	}

	var buf bytes.Buffer
	printEvent(&buf, e)

	assert.Equal(t, "12:30:45  service.down             service went down host=node-1 service_id=node-1:web:1\n", buf.String())
}
