package analysis

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/taxaudit-cli/internal/model"
)

// findingResponse is the wire shape expected back from the model.
type findingResponse struct {
	PrimaryCategory    *string  `json:"primary_category"`
	CategoryConfidence *float64 `json:"category_confidence"`
	DeductionType      *string  `json:"deduction_type"`
	ClaimableAmount    *float64 `json:"claimable_amount"`
	FullyDeductible    bool     `json:"is_fully_deductible"`
	RnDCandidate       bool     `json:"is_rnd_candidate"`
	RnDConfidence      float64  `json:"rnd_confidence"`
	RnDReasoning       string   `json:"rnd_reasoning"`
	FBTImplications    bool     `json:"fbt_implications"`
	Division7ARisk     bool     `json:"division7a_risk"`
	RequiresDocs       bool     `json:"requires_documentation"`
	ComplianceNotes    []string `json:"compliance_notes"`
}

// parseFinding decodes and validates a model response. Any violation
// fails the whole response; a partially valid finding is never returned.
func parseFinding(text string) (*findingResponse, error) {
	payload := extractJSON(text)
	if payload == "" {
		return nil, eris.New("analysis: response contains no JSON object")
	}

	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()
	var fr findingResponse
	if err := dec.Decode(&fr); err != nil {
		return nil, eris.Wrap(err, "analysis: decode finding")
	}

	switch {
	case fr.PrimaryCategory == nil || *fr.PrimaryCategory == "":
		return nil, eris.New("analysis: missing primary_category")
	case fr.CategoryConfidence == nil:
		return nil, eris.New("analysis: missing category_confidence")
	case *fr.CategoryConfidence < 0 || *fr.CategoryConfidence > 100:
		return nil, eris.Errorf("analysis: category_confidence %v out of range", *fr.CategoryConfidence)
	case fr.DeductionType == nil || *fr.DeductionType == "":
		return nil, eris.New("analysis: missing deduction_type")
	case fr.ClaimableAmount == nil:
		return nil, eris.New("analysis: missing claimable_amount")
	case *fr.ClaimableAmount < 0:
		return nil, eris.Errorf("analysis: negative claimable_amount %v", *fr.ClaimableAmount)
	case fr.RnDConfidence < 0 || fr.RnDConfidence > 100:
		return nil, eris.Errorf("analysis: rnd_confidence %v out of range", fr.RnDConfidence)
	}

	return &fr, nil
}

// toFinding binds a validated response to its transaction.
func (fr *findingResponse) toFinding(txn model.CachedTransaction) model.Finding {
	return model.Finding{
		TransactionID:      txn.TransactionID,
		TenantID:           txn.TenantID,
		FinancialYear:      txn.FinancialYear,
		PrimaryCategory:    *fr.PrimaryCategory,
		CategoryConfidence: *fr.CategoryConfidence,
		DeductionType:      *fr.DeductionType,
		ClaimableAmount:    *fr.ClaimableAmount,
		FullyDeductible:    fr.FullyDeductible,
		RnDCandidate:       fr.RnDCandidate,
		RnDConfidence:      fr.RnDConfidence,
		RnDReasoning:       fr.RnDReasoning,
		FBTImplications:    fr.FBTImplications,
		Division7ARisk:     fr.Division7ARisk,
		RequiresDocs:       fr.RequiresDocs,
		ComplianceNotes:    fr.ComplianceNotes,
	}
}

// extractJSON pulls the outermost JSON object out of a response that may
// carry markdown fences or prose around it.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}
