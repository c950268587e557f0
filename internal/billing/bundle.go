package billing

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	apperrors "vd-catalogd.io/catalogd/internal/pkg/errors"
	"vd-catalogd.io/catalogd/internal/pkg/logger"
)

// ProductBundle is one purchasable bundle from the account catalog.
type ProductBundle struct {
	ID              string
	Code            string
	Name            string
	Description     string
	ServiceInstance string
	ChargeFrequency string
	RateCardCharges []string

	// Provisioning constraints: when non-empty, the bundle only covers
	// machines built from these offerings / templates.
	ServiceOfferingUUIDs []string
	TemplateUUIDs        []string
}

// bundleExpand pulls in everything needed to price and constrain a
// bundle in one round trip.
const bundleExpand = "productBundleRevisions.entitlements.product," +
	"productBundleRevisions.provisionConstraints," +
	"productBundleRevisions.productBundle," +
	"productBundleRevisions.rateCardCharges.rateCardComponent.rateCard," +
	"productRevisions.mediationRules.mediationRuleDiscriminators.serviceDiscriminator"

type bundleRevisionJSON struct {
	ProductBundle struct {
		ID                string `json:"id"`
		Code              string `json:"code"`
		Name              string `json:"name"`
		Description       string `json:"description"`
		ServiceInstanceID struct {
			Name string `json:"name"`
		} `json:"serviceInstanceId"`
	} `json:"productBundle"`
	RateCardCharges []struct {
		Price             string `json:"price"`
		RateCardComponent struct {
			RateCard struct {
				ChargeType struct {
					DisplayName string `json:"displayName"`
				} `json:"chargeType"`
			} `json:"rateCard"`
		} `json:"rateCardComponent"`
	} `json:"rateCardCharges"`
	ProvisioningConstraints []struct {
		ComponentName string `json:"componentName"`
		Value         string `json:"value"`
	} `json:"provisioningConstraints"`
}

type catalogEnvelope struct {
	Catalog *struct {
		ProductBundleRevisions []bundleRevisionJSON `json:"productBundleRevisions"`
	} `json:"catalog"`
}

// ListBundles returns the account's product bundles for the configured
// service instance. Bundles belonging to other service instances are
// dropped.
func (c *Client) ListBundles(ctx context.Context) ([]ProductBundle, error) {
	params := url.Values{}
	params.Set("expand", bundleExpand)

	var env catalogEnvelope
	if err := c.do(ctx, http.MethodGet, "/account/catalog", params, &env); err != nil {
		return nil, err
	}
	if env.Catalog == nil {
		return nil, &apperrors.DecodeError{Source: "billing", Field: "catalog"}
	}

	var bundles []ProductBundle
	for _, rev := range env.Catalog.ProductBundleRevisions {
		bundle := ProductBundle{
			ID:              rev.ProductBundle.ID,
			Code:            rev.ProductBundle.Code,
			Name:            rev.ProductBundle.Name,
			Description:     rev.ProductBundle.Description,
			ServiceInstance: rev.ProductBundle.ServiceInstanceID.Name,
		}
		if bundle.ServiceInstance != c.serviceInstance {
			logger.Debug("ignoring product bundle from other service instance",
				zap.String("bundle", bundle.Name),
				zap.String("service_instance", bundle.ServiceInstance))
			continue
		}
		for _, charge := range rev.RateCardCharges {
			bundle.RateCardCharges = append(bundle.RateCardCharges, charge.Price)
			bundle.ChargeFrequency = charge.RateCardComponent.RateCard.ChargeType.DisplayName
		}
		for _, constraint := range rev.ProvisioningConstraints {
			switch constraint.ComponentName {
			case "serviceOfferingUuid":
				bundle.ServiceOfferingUUIDs = append(bundle.ServiceOfferingUUIDs, constraint.Value)
			case "templateUuid":
				bundle.TemplateUUIDs = append(bundle.TemplateUUIDs, constraint.Value)
			}
		}
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}
