package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/companion/internal/daemon"
	"github.com/sweeney/companion/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"duration": formatDuration,
	"emotionOrUnknown": func(s string) string {
		if s == "" {
			return "unknown"
		}
		return s
	},
}).Parse(indexHTML))

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, h, m)
	}
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Config.Name}}</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
meter { width: 70%; }
.emotion { font-size: 1.3em; font-weight: bold; }
.spark { letter-spacing: 1px; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
button { font-family: monospace; margin-right: 4px; }
</style>
</head>
<body>
<h1>{{.Config.Name}}<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Mood</h2>
<table>
<tr><th>Emotion</th><td id="emotion" class="emotion">{{emotionOrUnknown (printf "%s" .Companion.Emotion)}}{{if .Companion.Asleep}} (asleep){{end}}</td></tr>
<tr><th>Message</th><td id="message">{{.Companion.Message}}</td></tr>
<tr><th>Hunger</th><td><meter id="hunger" min="0" max="100" value="{{.Companion.Attributes.Hunger}}"></meter> <span id="hunger-v">{{.Companion.Attributes.Hunger}}</span></td></tr>
<tr><th>Happiness</th><td><meter id="happiness" min="0" max="100" value="{{.Companion.Attributes.Happiness}}"></meter> <span id="happiness-v">{{.Companion.Attributes.Happiness}}</span></td></tr>
<tr><th>Energy</th><td><meter id="energy" min="0" max="100" value="{{.Companion.Attributes.Energy}}"></meter> <span id="energy-v">{{.Companion.Attributes.Energy}}</span></td></tr>
<tr><th>Hygiene</th><td><meter id="hygiene" min="0" max="100" value="{{.Companion.Attributes.Hygiene}}"></meter> <span id="hygiene-v">{{.Companion.Attributes.Hygiene}}</span></td></tr>
<tr><th>Happiness ceiling</th><td id="ceiling">{{.Companion.Ceiling}}</td></tr>
<tr><th>Messes</th><td id="hygiene-events">{{.Companion.HygieneEvents}}</td></tr>
</table>
{{if .Commands}}
<p>{{range .Ops}}<button data-op="{{.}}">{{.}}</button>{{end}}</p>
{{end}}

<h2>Wellbeing</h2>
<table>
<tr><th>Score</th><td id="score">{{.Wellbeing.Score}}</td></tr>
<tr><th>Trend</th><td id="trend">{{.Wellbeing.Trend}}</td></tr>
<tr><th>Last day</th><td id="day" class="spark">{{.Wellbeing.Day}}</td></tr>
<tr><th>Last week</th><td id="week" class="spark">{{.Wellbeing.Week}}</td></tr>
<tr><th>Age</th><td>{{duration .Age}}</td></tr>
</table>

<h2>Activity</h2>
<table>
<tr><th>Log root</th><td>{{.Config.LogRoot}}</td></tr>
<tr><th>Tracked files</th><td>{{.Activity.TrackedFiles}}</td></tr>
<tr><th>Chunks</th><td>{{.Activity.Chunks}}</td></tr>
<tr><th>Last event</th><td>{{if .Activity.LastEvent}}{{.Activity.LastEvent}}{{else}}none{{end}}</td></tr>
{{range $kind, $n := .Activity.Events}}<tr><th>{{$kind}}</th><td>{{$n}}</td></tr>
{{end}}</table>

<h2>System</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if not .Config.MQTTEnabled}}disabled{{else if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
{{if .Config.MQTTEnabled}}<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>{{end}}
<tr><th>Uptime</th><td>{{duration .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Session</th><td>{{.SessionID}}</td></tr>
<tr><th>Decay</th><td>{{.Config.DecayMs}}ms</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }
  function set(id, v) {
    var el = document.getElementById(id);
    if (el) { el.textContent = v; }
  }
  function render(s) {
    set("emotion", s.emotion + (s.asleep ? " (asleep)" : ""));
    set("message", s.message || "");
    ["hunger", "happiness", "energy", "hygiene"].forEach(function(k) {
      document.getElementById(k).value = s.attributes[k];
      set(k + "-v", s.attributes[k]);
    });
    set("ceiling", s.happiness_ceiling);
    set("hygiene-events", s.hygiene_events);
    set("score", s.wellbeing.score);
    set("trend", s.wellbeing.trend);
    set("day", s.wellbeing.day);
    set("week", s.wellbeing.week);
  }
  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onmessage = function(ev) {
      try { render(JSON.parse(ev.data).status); } catch (e) {}
    };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
  }
  document.querySelectorAll("button[data-op]").forEach(function(b) {
    b.addEventListener("click", function() {
      fetch("/api/" + b.dataset.op, { method: "POST" });
    });
  });
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, commands bool) error {
	data := struct {
		status.Snapshot
		Commands bool
		Ops      []daemon.Op
	}{
		Snapshot: snap,
		Commands: commands,
		Ops:      daemon.Ops,
	}
	return indexTmpl.Execute(w, data)
}
