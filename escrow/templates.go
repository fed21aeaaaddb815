package escrow

import (
	"time"

	"escrowd/models"
)

// Item type categories with dedicated condition templates.
const (
	ItemTypeDigital  = "digital_goods"
	ItemTypePhysical = "physical_goods"
	ItemTypeService  = "services"
	ItemTypeHighRisk = "high_value"
)

// DefaultConditions returns the settlement condition template for an item
// type. Ordinary consumer purchases use any_of semantics (tracking OR
// confirmation OR timer); high-value items require every condition via
// all_of. Unknown item types fall back to the physical-goods template.
func DefaultConditions(itemType string, now time.Time, cfg *models.PlatformConfig) models.ConditionList {
	autoRelease := now.Add(time.Duration(autoReleaseHours(cfg)) * time.Hour).UTC().Format(time.RFC3339)
	switch itemType {
	case ItemTypeDigital:
		return models.ConditionList{
			{
				Type:        models.ConditionBuyerConfirmation,
				Description: "buyer confirms receipt of the item",
				Priority:    1,
				Mode:        models.ModeAnyOf,
				Config:      models.JSONMap{},
			},
			{
				Type:        models.ConditionTimeBased,
				Description: "automatic release after the holding period",
				Priority:    2,
				Mode:        models.ModeAnyOf,
				Config:      models.JSONMap{ConfigAutoReleaseAt: autoRelease},
			},
		}
	case ItemTypeService:
		return models.ConditionList{
			{
				Type:        models.ConditionMilestoneBased,
				Description: "all agreed milestones completed",
				Priority:    1,
				Mode:        models.ModeAllOf,
				Config:      models.JSONMap{ConfigMilestones: []interface{}{}},
			},
			{
				Type:        models.ConditionBuyerConfirmation,
				Description: "buyer confirms the delivered work",
				Priority:    2,
				Mode:        models.ModeAllOf,
				Config:      models.JSONMap{},
			},
		}
	case ItemTypeHighRisk:
		return models.ConditionList{
			{
				Type:        models.ConditionDualSignature,
				Description: "both buyer and seller sign off on the handover",
				Priority:    1,
				Mode:        models.ModeAllOf,
				Config:      models.JSONMap{ConfigBuyerSigned: false, ConfigSellerSigned: false},
			},
			{
				Type:        models.ConditionDeliveryConfirmation,
				Description: "carrier confirms physical delivery",
				Priority:    2,
				Mode:        models.ModeAllOf,
				Config:      models.JSONMap{},
			},
		}
	default:
		return models.ConditionList{
			{
				Type:        models.ConditionTrackingConfirmation,
				Description: "carrier tracking shows the parcel delivered",
				Priority:    1,
				Mode:        models.ModeAnyOf,
				Config:      models.JSONMap{},
			},
			{
				Type:        models.ConditionBuyerConfirmation,
				Description: "buyer confirms receipt of the item",
				Priority:    2,
				Mode:        models.ModeAnyOf,
				Config:      models.JSONMap{},
			},
			{
				Type:        models.ConditionInspectionPeriod,
				Description: "inspection period elapsed without a dispute",
				Priority:    3,
				Mode:        models.ModeAnyOf,
				Config:      models.JSONMap{},
			},
		}
	}
}

func autoReleaseHours(cfg *models.PlatformConfig) int {
	if cfg == nil || cfg.AutoReleaseHours <= 0 {
		return 48
	}
	return cfg.AutoReleaseHours
}
