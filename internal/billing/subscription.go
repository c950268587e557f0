package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	apperrors "vd-catalogd.io/catalogd/internal/pkg/errors"
)

// Subscription states used by the workflows. The service has more; the
// workflows only distinguish these.
const (
	StateNew     = "NEW"
	StateActive  = "ACTIVE"
	StateExpired = "EXPIRED"
)

// hostNameSuffixLen is the length of the numeric suffix the machine
// naming scheme appends, e.g. HOST007.
const hostNameSuffixLen = 3

// Subscription is one billing subscription for a desktop machine.
type Subscription struct {
	UUID     uuid.UUID
	State    string
	HostName string
	Bundle   BundleRef
}

// BundleRef is the product bundle summary embedded in a subscription.
type BundleRef struct {
	ID          string
	Code        string
	Name        string
	Description string
}

// CatalogName recovers the catalog a subscription belongs to by
// stripping the numeric suffix from its host name.
func (s Subscription) CatalogName() string {
	if len(s.HostName) <= hostNameSuffixLen {
		return ""
	}
	return s.HostName[:len(s.HostName)-hostNameSuffixLen]
}

type subscriptionJSON struct {
	UUID              string `json:"uuid"`
	State             string `json:"state"`
	ConfigurationData struct {
		HostName string `json:"hostName"`
	} `json:"configurationData"`
	ProductBundle *struct {
		ID          string `json:"id"`
		Code        string `json:"code"`
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"productBundle"`
}

func (sj subscriptionJSON) toSubscription() (Subscription, error) {
	id, err := uuid.Parse(sj.UUID)
	if err != nil {
		return Subscription{}, &apperrors.DecodeError{Source: "billing", Field: "subscription.uuid", Err: err}
	}
	sub := Subscription{
		UUID:     id,
		State:    sj.State,
		HostName: sj.ConfigurationData.HostName,
	}
	if sj.ProductBundle != nil {
		sub.Bundle = BundleRef{
			ID:          sj.ProductBundle.ID,
			Code:        sj.ProductBundle.Code,
			Name:        sj.ProductBundle.Name,
			Description: sj.ProductBundle.Description,
		}
	}
	return sub, nil
}

type subscriptionEnvelope struct {
	Subscription *subscriptionJSON `json:"subscription"`
}

type subscriptionsEnvelope struct {
	Subscriptions *[]subscriptionJSON `json:"subscriptions"`
}

// CreateSubscription registers a subscription for one machine. The
// machine already exists (provision=false): the service bills it, it
// does not create it.
func (c *Client) CreateSubscription(ctx context.Context, productBundleID, hostName string) (Subscription, error) {
	configData, err := json.Marshal(map[string]string{"hostName": hostName})
	if err != nil {
		return Subscription{}, fmt.Errorf("encode configuration data: %w", err)
	}

	params := url.Values{}
	params.Set("serviceinstanceuuid", c.serviceInstance)
	params.Set("resourcetype", "VirtualMachine")
	params.Set("configurationdata", string(configData))
	params.Set("provision", "false")
	params.Set("productbundleid", productBundleID)

	var env subscriptionEnvelope
	if err := c.do(ctx, http.MethodPost, "/subscriptions", params, &env); err != nil {
		return Subscription{}, err
	}
	if env.Subscription == nil {
		return Subscription{}, &apperrors.DecodeError{Source: "billing", Field: "subscription"}
	}
	return env.Subscription.toSubscription()
}

// GetSubscription fetches one subscription by id.
func (c *Client) GetSubscription(ctx context.Context, id uuid.UUID) (Subscription, error) {
	params := url.Values{}
	params.Set("expand", "attachResource")

	var env subscriptionEnvelope
	if err := c.do(ctx, http.MethodGet, "/subscriptions/"+id.String(), params, &env); err != nil {
		return Subscription{}, err
	}
	if env.Subscription == nil {
		return Subscription{}, &apperrors.DecodeError{Source: "billing", Field: "subscription"}
	}
	return env.Subscription.toSubscription()
}

// ListSubscriptions returns every subscription on the account.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	params := url.Values{}
	params.Set("pagesize", strconv.Itoa(1<<31-1))
	params.Set("page", "1")
	params.Set("expand", "attachResource")

	var env subscriptionsEnvelope
	if err := c.do(ctx, http.MethodGet, "/subscriptions", params, &env); err != nil {
		return nil, err
	}
	if env.Subscriptions == nil {
		return nil, &apperrors.DecodeError{Source: "billing", Field: "subscriptions"}
	}

	subs := make([]Subscription, 0, len(*env.Subscriptions))
	for _, sj := range *env.Subscriptions {
		sub, err := sj.toSubscription()
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// AttachResource binds a subscription to the machine it bills.
func (c *Client) AttachResource(ctx context.Context, id uuid.UUID, resourceID, resourceName string) (Subscription, error) {
	if id == uuid.Nil {
		return Subscription{}, fmt.Errorf("attach: subscription id is required")
	}
	if strings.TrimSpace(resourceID) == "" {
		return Subscription{}, fmt.Errorf("attach: resource id is required")
	}
	if strings.TrimSpace(resourceName) == "" {
		return Subscription{}, fmt.Errorf("attach: resource name is required")
	}

	params := url.Values{}
	params.Set("resourceid", resourceID)
	params.Set("resourcename", resourceName)

	var env subscriptionEnvelope
	if err := c.do(ctx, http.MethodPut, "/subscriptions/"+id.String()+"/attachresource", params, &env); err != nil {
		return Subscription{}, err
	}
	if env.Subscription == nil {
		return Subscription{}, &apperrors.DecodeError{Source: "billing", Field: "subscription"}
	}
	return env.Subscription.toSubscription()
}

// DeleteSubscription terminates a subscription.
func (c *Client) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+id.String(), nil, nil)
}
