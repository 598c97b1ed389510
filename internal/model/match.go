package model

// MatchConfidence bands a duplicate match score.
type MatchConfidence string

const (
	ConfidenceHigh   MatchConfidence = "high"
	ConfidenceMedium MatchConfidence = "medium"
	ConfidenceLow    MatchConfidence = "low"
)

// BandScore maps a 0-100 duplicate score to its confidence tier:
// above 80 is high, above 50 medium, everything else low.
func BandScore(score float64) MatchConfidence {
	switch {
	case score > 80:
		return ConfidenceHigh
	case score > 50:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// MatchFactors records the inputs behind a duplicate score. Similarities are
// on a 0-100 scale.
type MatchFactors struct {
	AddressSimilarity float64 `json:"addressSimilarity"`
	NameSimilarity    float64 `json:"nameSimilarity"`
	DistanceMeters    float64 `json:"distanceMeters"`
	PhoneMatch        bool    `json:"phoneMatch"`
	WebsiteMatch      bool    `json:"websiteMatch"`
}

// MatchedResource identifies the existing record a match points at.
type MatchedResource struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// DuplicateMatch is one candidate/existing pairing produced by the detector.
type DuplicateMatch struct {
	Score           float64          `json:"score"`
	Factors         MatchFactors     `json:"factors"`
	Confidence      MatchConfidence  `json:"confidence"`
	MatchedResource *MatchedResource `json:"matchedResource,omitempty"`
}

// MatchedID returns the matched resource ID or "".
func (m DuplicateMatch) MatchedID() string {
	if m.MatchedResource == nil {
		return ""
	}
	return m.MatchedResource.ID
}
