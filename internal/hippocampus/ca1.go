package hippocampus

import (
	"strings"
	"time"
)

// Triple is a projected knowledge-graph fact, forwarded to the KG store.
type Triple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

const (
	PredicateHasTime  = "has_time"
	PredicateHasTopic = "has_topic"
	PredicateMentions = "mentions"
)

// topicLexicon is a coarse rule lexicon of topic keywords; content
// containing any of these surfaces a has_topic triple. This is
// intentionally small and hand-maintained — CA1 is a "coarse entities via
// rule lexicons" bridge per spec.md §4.E, not a general NER model.
var topicLexicon = []string{
	"school", "homework", "doctor", "appointment", "groceries", "milk",
	"birthday", "vacation", "chores", "bedtime", "dinner", "soccer",
	"practice", "medication", "allergy", "flight", "bill", "payment",
}

// ExtractTriples projects CA1 triples for one event: has_time against its
// hour bucket, has_topic for each lexicon keyword found, and mentions for
// each name in knownPersons found in the content.
func ExtractTriples(eventID, content string, ts time.Time, knownPersons []string) []Triple {
	var triples []Triple

	bucket := ts.UTC().Format("2006-01-02-15")
	triples = append(triples, Triple{Subject: "event:" + eventID, Predicate: PredicateHasTime, Object: bucket})

	lower := strings.ToLower(content)
	for _, kw := range topicLexicon {
		if strings.Contains(lower, kw) {
			triples = append(triples, Triple{Subject: "event:" + eventID, Predicate: PredicateHasTopic, Object: kw})
		}
	}
	for _, person := range knownPersons {
		if person == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(person)) {
			triples = append(triples, Triple{Subject: "event:" + eventID, Predicate: PredicateMentions, Object: person})
		}
	}
	return triples
}
