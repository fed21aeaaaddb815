package escrow

import (
	"time"

	"escrowd/models"
)

// Condition config keys understood by the evaluator. Config values travel
// through a JSON column, so timestamps are RFC 3339 strings.
const (
	ConfigTrackingNumber     = "trackingNumber"
	ConfigDeliveryConfirmed  = "deliveryConfirmed"
	ConfigAutoReleaseAt      = "autoReleaseAt"
	ConfigInspectionDeadline = "inspectionDeadline"
	ConfigMilestones         = "milestones"
	ConfigBuyerSigned        = "buyerSigned"
	ConfigSellerSigned       = "sellerSigned"
)

// EvaluateCondition decides whether a single condition is satisfied now.
// It is pure with respect to its inputs apart from setting IsMet/MetAt on
// the returned copy; the transaction snapshot is never mutated. IsMet is
// monotonic: a condition that was met stays met regardless of later input,
// and MetAt is write-once. Unknown types and conditions whose config lacks
// the fields they need fail closed.
func EvaluateCondition(cond models.SettlementCondition, txn *models.EscrowTransaction, now time.Time) models.SettlementCondition {
	if cond.IsMet {
		return cond
	}
	met := false
	switch cond.Type {
	case models.ConditionTrackingConfirmation:
		met = configString(cond.Config, ConfigTrackingNumber) != "" &&
			configBool(cond.Config, ConfigDeliveryConfirmed)
	case models.ConditionTimeBased:
		if at, ok := configTime(cond.Config, ConfigAutoReleaseAt); ok {
			met = !now.Before(at)
		}
	case models.ConditionBuyerConfirmation:
		met = txn != nil && txn.Status == models.StatusConfirmed
	case models.ConditionDeliveryConfirmation:
		met = txn != nil && txn.Shipping.ActualDelivery != nil && !txn.Shipping.ActualDelivery.IsZero()
	case models.ConditionMilestoneBased:
		met = milestonesComplete(cond.Config)
	case models.ConditionInspectionPeriod:
		if at, ok := configTime(cond.Config, ConfigInspectionDeadline); ok {
			met = !now.Before(at) && (txn == nil || txn.Status != models.StatusDisputed)
		}
	case models.ConditionDualSignature:
		met = configBool(cond.Config, ConfigBuyerSigned) && configBool(cond.Config, ConfigSellerSigned)
	}
	if met {
		cond.IsMet = true
		if cond.MetAt == nil {
			at := now
			cond.MetAt = &at
		}
	}
	return cond
}

// Aggregate turns the condition outcomes into one settle decision: every
// all_of condition must be met, and when any_of conditions exist at least
// one of them must be met. The unmet slice carries the descriptions of
// conditions still blocking settlement.
func Aggregate(conds models.ConditionList) (bool, []string) {
	if len(conds) == 0 {
		return false, nil
	}
	allOfMet := true
	anyOfPresent := false
	anyOfMet := false
	var unmet []string
	for _, cond := range conds {
		switch mode(cond) {
		case models.ModeAllOf:
			if !cond.IsMet {
				allOfMet = false
				unmet = append(unmet, cond.Description)
			}
		default:
			anyOfPresent = true
			if cond.IsMet {
				anyOfMet = true
			} else {
				unmet = append(unmet, cond.Description)
			}
		}
	}
	settleable := allOfMet && (!anyOfPresent || anyOfMet)
	if settleable {
		return true, nil
	}
	return false, unmet
}

// mode defaults a missing combinator tag to any_of, mirroring how an absent
// required flag was treated before the tag became explicit.
func mode(cond models.SettlementCondition) models.ConditionMode {
	if cond.Mode == models.ModeAllOf {
		return models.ModeAllOf
	}
	return models.ModeAnyOf
}

func configString(cfg models.JSONMap, key string) string {
	if cfg == nil {
		return ""
	}
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

func configBool(cfg models.JSONMap, key string) bool {
	if cfg == nil {
		return false
	}
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return false
}

func configTime(cfg models.JSONMap, key string) (time.Time, bool) {
	if cfg == nil {
		return time.Time{}, false
	}
	switch v := cfg[key].(type) {
	case time.Time:
		return v, true
	case string:
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// milestonesComplete reports whether the milestone list exists, is
// non-empty, and every entry carries a true completed flag.
func milestonesComplete(cfg models.JSONMap) bool {
	if cfg == nil {
		return false
	}
	raw, ok := cfg[ConfigMilestones].([]interface{})
	if !ok || len(raw) == 0 {
		return false
	}
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return false
		}
		done, ok := m["completed"].(bool)
		if !ok || !done {
			return false
		}
	}
	return true
}
