package assessor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylane-systems/aerogate/pkg/assessor"
	"github.com/skylane-systems/aerogate/pkg/contracts"
)

func TestHeuristic_ClearSkies(t *testing.T) {
	a, err := assessor.Heuristic{}.Assess(context.Background(), contracts.BeliefState{
		FlightCategory:  "VFR",
		ProposedPosture: contracts.PostureAccept,
		EvidenceSources: []string{"faa_nas", "metar", "nws_alerts", "taf", "adsb"},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskLow, a.RiskLevel)
	assert.Equal(t, contracts.PostureAccept, a.RecommendedPosture)
}

func TestHeuristic_GroundStop(t *testing.T) {
	a, err := assessor.Heuristic{}.Assess(context.Background(), contracts.BeliefState{
		FlightCategory:  "LIFR",
		ProposedPosture: contracts.PostureHold,
		EvidenceSources: []string{"faa_nas", "metar", "nws_alerts", "adsb"},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, riskRank(a.RiskLevel), riskRank(contracts.RiskHigh))
	assert.Equal(t, contracts.PostureHold, a.RecommendedPosture)
}

func riskRank(r contracts.RiskLevel) int {
	switch r {
	case contracts.RiskCritical:
		return 3
	case contracts.RiskHigh:
		return 2
	case contracts.RiskMedium:
		return 1
	}
	return 0
}

func TestLLM_ParsesStructuredOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":
			"Here is the assessment:\n{\"risk_level\":\"HIGH\",\"recommended_posture\":\"HOLD\",\"confidence_breakdown\":{\"weather\":0.9},\"explanation\":\"ground stop\"}"}}]}`))
	}))
	defer srv.Close()

	llm := assessor.NewLLM(srv.URL, "test-key", "aerogate-risk-1")
	a, err := llm.Assess(context.Background(), contracts.BeliefState{})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskHigh, a.RiskLevel)
	assert.Equal(t, contracts.PostureHold, a.RecommendedPosture)
	assert.Equal(t, 0.9, a.ConfidenceBreakdown["weather"])
}

func TestLLM_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	llm := assessor.NewLLM(srv.URL, "", "aerogate-risk-1")
	_, err := llm.Assess(context.Background(), contracts.BeliefState{})
	assert.Error(t, err)
}

func TestParseAssessment_Validation(t *testing.T) {
	_, err := assessor.ParseAssessment(`{"risk_level":"ABSURD","recommended_posture":"HOLD"}`)
	assert.Error(t, err)

	_, err = assessor.ParseAssessment("no json here")
	assert.Error(t, err)

	a, err := assessor.ParseAssessment("```json\n{\"risk_level\":\"LOW\",\"recommended_posture\":\"ACCEPT\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskLow, a.RiskLevel)
}
