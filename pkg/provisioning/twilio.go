package provisioning

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/dmitrymomot/billingkit/pkg/retry"
)

const twilioName = "twilio"

// twilioNumbers is the part of the Twilio REST API the provider uses.
type twilioNumbers interface {
	ListAvailablePhoneNumberLocal(countryCode string, params *twapi.ListAvailablePhoneNumberLocalParams) ([]twapi.ApiV2010AvailablePhoneNumberLocal, error)
	CreateIncomingPhoneNumber(params *twapi.CreateIncomingPhoneNumberParams) (*twapi.ApiV2010IncomingPhoneNumber, error)
	DeleteIncomingPhoneNumber(sid string, params *twapi.DeleteIncomingPhoneNumberParams) error
}

// TwilioProvider buys local phone numbers and points their voice and SMS
// webhooks at this service.
type TwilioProvider struct {
	api twilioNumbers
}

var _ Provider = (*TwilioProvider)(nil)

// NewTwilioProvider builds a provider from account credentials.
func NewTwilioProvider(cfg TwilioConfig) *TwilioProvider {
	c := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioProvider{api: c.Api}
}

func (p *TwilioProvider) Name() string { return twilioName }

func (p *TwilioProvider) Search(_ context.Context, f Filter, limit int) ([]Candidate, error) {
	params := &twapi.ListAvailablePhoneNumberLocalParams{}
	params.SetSmsEnabled(f.SMS)
	params.SetVoiceEnabled(f.Voice)
	if f.AreaCode != "" {
		code, err := strconv.Atoi(f.AreaCode)
		if err != nil {
			return nil, retry.Permanent(twilioName, "search", err)
		}
		params.SetAreaCode(code)
	}
	if f.Contains != "" {
		params.SetContains(f.Contains)
	}
	if limit > 0 {
		params.SetLimit(limit)
	}

	country := f.Country
	if country == "" {
		country = "US"
	}
	numbers, err := p.api.ListAvailablePhoneNumberLocal(country, params)
	if err != nil {
		return nil, classifyTwilio("search", err)
	}

	out := make([]Candidate, 0, len(numbers))
	for _, n := range numbers {
		if n.PhoneNumber == nil {
			continue
		}
		out = append(out, Candidate{
			Descriptor: *n.PhoneNumber,
			Locality:   deref(n.Locality),
			Region:     deref(n.Region),
		})
	}
	return out, nil
}

func (p *TwilioProvider) Acquire(_ context.Context, c Candidate, opts AcquireOptions) (*Acquired, error) {
	params := &twapi.CreateIncomingPhoneNumberParams{}
	params.SetPhoneNumber(c.Descriptor)
	if opts.FriendlyName != "" {
		params.SetFriendlyName(opts.FriendlyName)
	}
	if opts.VoiceURL != "" {
		params.SetVoiceUrl(opts.VoiceURL)
		params.SetVoiceMethod(http.MethodPost)
	}
	if opts.SMSURL != "" {
		params.SetSmsUrl(opts.SMSURL)
		params.SetSmsMethod(http.MethodPost)
	}

	number, err := p.api.CreateIncomingPhoneNumber(params)
	if err != nil {
		return nil, classifyTwilio("acquire", err)
	}
	if number.Sid == nil {
		return nil, retry.Permanent(twilioName, "acquire", errors.New("response carries no sid"))
	}

	descriptor := c.Descriptor
	if number.PhoneNumber != nil {
		descriptor = *number.PhoneNumber
	}
	return &Acquired{ExternalID: *number.Sid, Descriptor: descriptor}, nil
}

func (p *TwilioProvider) Release(_ context.Context, externalID string) error {
	err := p.api.DeleteIncomingPhoneNumber(externalID, &twapi.DeleteIncomingPhoneNumberParams{})
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) && restErr.Status == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return classifyTwilio("release", err)
	}
	return nil
}

// classifyTwilio maps REST errors by status; transport errors are temporary.
func classifyTwilio(op string, err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		return retry.FromStatus(twilioName, op, restErr.Status, err)
	}
	return retry.Temporary(twilioName, op, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
