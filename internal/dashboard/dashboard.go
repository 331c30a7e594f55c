// Package dashboard serves the read-only demo scan history and headline stats.
package dashboard

import "strings"

// Scan results shown on the dashboard.
const (
	ResultPositive = "Positive"
	ResultNegative = "Negative"
)

// Scan is one past analysis shown in the recent-scans list.
type Scan struct {
	ID         string  `json:"id"`
	PatientID  string  `json:"patientId"`
	Name       string  `json:"name"`
	Age        int     `json:"age"`
	Date       string  `json:"date"`
	ScanType   string  `json:"scanType"`
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`
	Location   string  `json:"location"`
	ImageURL   string  `json:"imageUrl"`
}

// Stat is one headline figure.
type Stat struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Overview is the full dashboard payload.
type Overview struct {
	Stats []Stat `json:"stats"`
	Scans []Scan `json:"scans"`
}

const imageQuery = "?auto=compress&cs=tinysrgb&w=1260&h=750&dpr=2"

var recentScans = []Scan{
	{
		ID:         "1",
		PatientID:  "PT-10284",
		Name:       "John Smith",
		Age:        45,
		Date:       "2025-04-12",
		ScanType:   "Cervical X-ray",
		Result:     ResultPositive,
		Confidence: 97.8,
		Location:   "C5-C6",
		ImageURL:   "https://images.pexels.com/photos/8460156/pexels-photo-8460156.jpeg" + imageQuery,
	},
	{
		ID:         "2",
		PatientID:  "PT-10285",
		Name:       "Sarah Johnson",
		Age:        38,
		Date:       "2025-04-11",
		ScanType:   "Cervical X-ray",
		Result:     ResultNegative,
		Confidence: 99.3,
		Location:   "N/A",
		ImageURL:   "https://images.pexels.com/photos/4225880/pexels-photo-4225880.jpeg" + imageQuery,
	},
	{
		ID:         "3",
		PatientID:  "PT-10286",
		Name:       "Michael Williams",
		Age:        62,
		Date:       "2025-04-10",
		ScanType:   "Cervical X-ray",
		Result:     ResultPositive,
		Confidence: 96.1,
		Location:   "C4-C5",
		ImageURL:   "https://images.pexels.com/photos/8460237/pexels-photo-8460237.jpeg" + imageQuery,
	},
	{
		ID:         "4",
		PatientID:  "PT-10287",
		Name:       "Emily Davis",
		Age:        29,
		Date:       "2025-04-09",
		ScanType:   "Cervical X-ray",
		Result:     ResultNegative,
		Confidence: 98.7,
		Location:   "N/A",
		ImageURL:   "https://images.pexels.com/photos/8460218/pexels-photo-8460218.jpeg" + imageQuery,
	},
}

var stats = []Stat{
	{Label: "Scans Analyzed", Value: "248"},
	{Label: "Positive Findings", Value: "52"},
	{Label: "Average Accuracy", Value: "98.2%"},
	{Label: "Processing Time", Value: "4.3s"},
}

// Get returns the dashboard, keeping only scans whose result matches filter.
// An empty filter keeps every scan; matching ignores case.
func Get(filter string) Overview {
	out := Overview{
		Stats: append([]Stat(nil), stats...),
		Scans: make([]Scan, 0, len(recentScans)),
	}
	for _, s := range recentScans {
		if filter == "" || strings.EqualFold(s.Result, filter) {
			out.Scans = append(out.Scans, s)
		}
	}
	return out
}

// ValidFilter reports whether filter is empty or a known result.
func ValidFilter(filter string) bool {
	return filter == "" || strings.EqualFold(filter, ResultPositive) || strings.EqualFold(filter, ResultNegative)
}
