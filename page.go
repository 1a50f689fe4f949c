package main

import (
	"html/template"
	"io"
)

// pageData feeds the host page template. Every value reaches the page through
// html/template, so payload text is always escaped.
type pageData struct {
	Title      string
	State      DisplayState
	EventsPath string

	HeaderStyle template.CSS
	CellStyle   template.CSS
	RowClass    string
	SpeedClass  string
}

var pageTmpl = template.Must(template.New("page").Parse(pageHTML))

func RenderPage(w io.Writer, title string, st DisplayState) error {
	return pageTmpl.Execute(w, pageData{
		Title:       title,
		State:       st,
		EventsPath:  "/events",
		HeaderStyle: template.CSS(MetricsHeaderCellStyle),
		CellStyle:   template.CSS(MetricsCellStyle),
		RowClass:    MetricsRowClass,
		SpeedClass:  TickerSpeedClass,
	})
}

const pageHTML = `<!doctype html>
<html>
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>{{.Title}}</title>
  <style>
    body { font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Arial; margin: 0; }
    #tcontainer { width: 100%; overflow: hidden; white-space: nowrap; background: #111; color: #fff; }
    #ticker-scroller { display: inline-block; padding-left: 100%; }
    .ticker-speed { animation-name: ticker; animation-timing-function: linear; animation-iteration-count: infinite; }
    @keyframes ticker { from { transform: translateX(0); } to { transform: translateX(-100%); } }
    #metric_data table { border-collapse: collapse; margin: 16px; }
    .trow:nth-of-type(even) { background-color: #f3f3f3; }
  </style>
</head>
<body>
{{with .State}}
<div id="tcontainer" style="display: {{.TickerDisplay}};">
  <div id="ticker-scroller"{{if .Ticker.Duration}} style="animation-duration:{{.Ticker.Duration}}"{{end}}><span id="ticker-text">{{.Ticker.Text}}</span></div>
</div>
<div id="metric_data" style="display: {{.MetricsDisplay}};">
{{- if or .Metrics.Rows (eq .MetricsDisplay "inline-block")}}
  <table>
    <tr><th colspan="2" style="{{$.HeaderStyle}}"><h1>{{.Metrics.Title}}</h1></th></tr>
    {{- range .Metrics.Rows}}
    <tr class="{{$.RowClass}}"><td style="{{$.CellStyle}}"><p>{{.Label}}</p></td><td style="{{$.CellStyle}}"><p>{{.Value}}</p></td></tr>
    {{- end}}
  </table>
{{- end}}
</div>
{{end}}
<script>
(function () {
  var speedClass = {{.SpeedClass}};
  var headerStyle = {{printf "%s" .HeaderStyle}};
  var cellStyle = {{printf "%s" .CellStyle}};
  var rowClass = {{.RowClass}};

  function byId(id) {
    var el = document.getElementById(id);
    if (!el) { console.error('missing element #' + id); }
    return el;
  }

  var scroller = byId('ticker-scroller');
  if (scroller) { scroller.classList.add(speedClass); }

  function buildTable(metrics) {
    var tbl = document.createElement('table');
    var head = tbl.insertRow(-1);
    var th = document.createElement('th');
    var h1 = document.createElement('h1');
    h1.textContent = metrics.title;
    th.appendChild(h1);
    th.style.cssText = headerStyle;
    th.colSpan = 2;
    head.appendChild(th);

    (metrics.rows || []).forEach(function (m) {
      var row = tbl.insertRow(-1);
      row.className = rowClass;
      [m.label, m.value].forEach(function (text) {
        var td = row.insertCell(-1);
        td.style.cssText = cellStyle;
        var p = document.createElement('p');
        p.textContent = text;
        td.appendChild(p);
      });
    });
    return tbl;
  }

  var lastSeq = -1;

  function apply(st) {
    if (st.seq === lastSeq) { return; }
    lastSeq = st.seq;

    var tc = byId('tcontainer');
    if (st.ticker_display === 'inline-block') {
      var tt = byId('ticker-text');
      if (tt) { tt.textContent = st.ticker.text; }
      var sc = byId('ticker-scroller');
      if (sc) { sc.setAttribute('style', 'animation-duration:' + st.ticker.duration); }
    }
    if (tc) { tc.style.display = st.ticker_display; }

    var md = byId('metric_data');
    if (md) {
      if (st.metrics_display === 'inline-block') {
        md.textContent = '';
        md.appendChild(buildTable(st.metrics));
      }
      md.style.display = st.metrics_display;
    }
  }

  if (window.EventSource) {
    var es = new EventSource({{.EventsPath}});
    es.onmessage = function (e) {
      try { apply(JSON.parse(e.data)); } catch (err) { console.error('bad state event', err); }
    };
  }
})();
</script>
</body>
</html>`
