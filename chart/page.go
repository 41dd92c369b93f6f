package chart

import (
	"fmt"
	"html/template"
	"io"

	"github.com/pkg/errors"

	"github.com/hubertat/sensorpi"
	"github.com/hubertat/sensorpi/store"
)

type Page struct {
	Title string
	Table Table
	Unit  sensorpi.Unit
	// Hours is the recency window, 0 for the whole log.
	Hours float64
	Max   *store.Reading
}

type pageView struct {
	Title      string
	Data       template.JS
	HasData    bool
	UnitLabel  string
	OtherUnit  string
	HoursParam string
	Max        string
}

var pageTemplate = template.Must(template.New("chart").Parse(`<!DOCTYPE html>
<html>
<head>
	<title>{{.Title}}</title>
	{{if .HasData}}
	<script type="text/javascript" src="https://www.gstatic.com/charts/loader.js"></script>
	<script type="text/javascript">
	google.charts.load('current', {packages: ['corechart']});
	google.charts.setOnLoadCallback(drawChart);
	function drawChart() {
		var data = google.visualization.arrayToDataTable({{.Data}});
		var options = {
			title: 'Temperature (°{{.UnitLabel}})',
			curveType: 'function',
			interpolateNulls: true,
			legend: {position: 'bottom'}
		};
		var chart = new google.visualization.LineChart(document.getElementById('chart_div'));
		chart.draw(data, options);
	}
	</script>
	{{end}}
</head>
<body>
	<h1>{{.Title}}</h1>
	<p><a href="?unit={{.OtherUnit}}{{.HoursParam}}">show °{{.OtherUnit}}</a></p>
	<hr>
	{{if .HasData}}
	<h2>Temperature Chart</h2>
	<div id="chart_div" style="width: 1200px; height: 600px;"></div>
	{{else}}
	<p>No data found!</p>
	{{end}}
	{{if .Max}}
	<hr>
	<h2>Maximum Temperature</h2>
	<p>{{.Max}}</p>
	{{end}}
</body>
</html>
`))

func Render(w io.Writer, page Page) error {
	view := pageView{
		Title:     page.Title,
		HasData:   len(page.Table.Rows) > 0,
		UnitLabel: page.Unit.String(),
		OtherUnit: sensorpi.Fahrenheit.String(),
	}
	if page.Unit == sensorpi.Fahrenheit {
		view.OtherUnit = sensorpi.Celsius.String()
	}
	if page.Hours > 0 {
		view.HoursParam = fmt.Sprintf("&hours=%g", page.Hours)
	}

	if view.HasData {
		data, err := page.Table.DataTableJSON()
		if err != nil {
			return err
		}
		view.Data = template.JS(data)
	}

	if page.Max != nil {
		view.Max = fmt.Sprintf("%s  %s  %.2f°%s",
			page.Max.Timestamp.Local().Format(timeLayout),
			sensorpi.SensorLabel(page.Max.Serial),
			convert(page.Max.TemperatureC, page.Unit),
			page.Unit)
	}

	err := pageTemplate.Execute(w, view)
	if err != nil {
		return errors.Wrap(err, "failed to render chart page")
	}
	return nil
}
