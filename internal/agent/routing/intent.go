package routing

import (
	"regexp"
	"strings"
)

var (
	batchScope  = regexp.MustCompile(`\b(all|every|\d+)\s+(orders|rows|shipments|packages)\b`)
	batchTarget = regexp.MustCompile(`\b(orders|rows|shipments|packages)\b`)
	singleCue   = regexp.MustCompile(`\b(a|one|single|1)\s+(package|box|parcel|envelope|shipment|pallet)\b`)
	weightCue   = regexp.MustCompile(`\b\d+(\.\d+)?\s?(lb|lbs|kg|pound|pounds)\b`)
)

var batchFilterCues = []string{
	" where ", " unfulfilled ", " fulfilled ", " pending ", " company ", " companies ",
	" customer ", " customers ", " northeast ", " midwest ", " southwest ", " southeast ",
	" west coast ", " east coast ",
}

var stateNames = []string{
	"alabama", "alaska", "arizona", "arkansas", "california", "colorado", "connecticut",
	"delaware", "florida", "georgia", "hawaii", "idaho", "illinois", "indiana", "iowa",
	"kansas", "kentucky", "louisiana", "maine", "maryland", "massachusetts", "michigan",
	"minnesota", "mississippi", "missouri", "montana", "nebraska", "nevada", "new hampshire",
	"new jersey", "new mexico", "new york", "north carolina", "north dakota", "ohio",
	"oklahoma", "oregon", "pennsylvania", "rhode island", "south carolina", "south dakota",
	"tennessee", "texas", "utah", "vermont", "virginia", "washington", "west virginia",
	"wisconsin", "wyoming",
}

var exploratoryPrefixes = []string{"show", "list", "find", "count", "how many", "which", "what"}

var affirmations = map[string]bool{
	"yes": true, "y": true, "ok": true, "okay": true, "confirm": true, "confirmed": true,
	"proceed": true, "continue": true, "go ahead": true, "ship it": true, "yes please": true,
}

var refusals = map[string]bool{
	"no": true, "n": true, "cancel": true, "stop": true, "abort": true, "don't": true,
	"do not ship": true, "no thanks": true, "cancel it": true,
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".!?")
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "-", " ")), " ")
}

// IsAffirmation reports short confirmations such as "yes" or "go ahead".
func IsAffirmation(text string) bool { return affirmations[normalize(text)] }

// IsRefusal reports short refusals such as "no" or "cancel".
func IsRefusal(text string) bool { return refusals[normalize(text)] }

// IsShippingRequest reports requests to ship something, excluding
// exploratory questions and explicit negations.
func IsShippingRequest(text string) bool {
	t := normalize(text)
	if t == "" || !strings.Contains(t, "ship") {
		return false
	}
	if strings.Contains(t, "do not ship") || strings.Contains(t, "don't ship") {
		return false
	}
	for _, p := range exploratoryPrefixes {
		if strings.HasPrefix(t, p) {
			return false
		}
	}
	return true
}

// IsBatchShippingRequest reports shipping requests that select many rows
// from the data source.
func IsBatchShippingRequest(text string) bool {
	if !IsShippingRequest(text) {
		return false
	}
	t := normalize(text)
	if !batchTarget.MatchString(t) {
		return false
	}
	if strings.HasPrefix(t, "ship all ") || strings.HasPrefix(t, "ship every ") || batchScope.MatchString(t) {
		return true
	}
	padded := " " + t + " "
	for _, cue := range batchFilterCues {
		if strings.Contains(padded, cue) {
			return true
		}
	}
	for _, name := range stateNames {
		if strings.Contains(padded, " "+name+" ") {
			return true
		}
	}
	return false
}

// HasSingleShipmentCue reports explicit single ad hoc shipment wording such
// as "a 5 lb box to ...".
func HasSingleShipmentCue(text string) bool {
	t := normalize(text)
	return singleCue.MatchString(t) || (weightCue.MatchString(t) && strings.Contains(t, " to "))
}
