// Package restapi implements the Maytronics cloud HTTPS API client.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	appKey      = "346BDE92-53D1-4829-8A2E-B496014B586C"
	contentType = "application/x-www-form-urlencoded; charset=utf-8"

	loginPath         = "users/Login/"
	emailExistsPath   = "users/isEmailExists/"
	forgotPath        = "users/ForgotPassword/"
	tokenPath         = "IOT/getToken_DecryptSN/"
	robotBySerialPath = "serialnumbers/getrobotdetailsbyrobotsn/"
	robotByMUSPath    = "serialnumbers/getrobotdetailsbymusn/"

	requestTimeout = 10 * time.Second
)

// Error kinds the coordinator maps to status transitions.
var (
	ErrUnauthorized       = errors.New("request rejected (401/403)")
	ErrEndpointNotFound   = errors.New("endpoint not found (404/405)")
	ErrInvalidCredentials = errors.New("login returned no data")
	ErrTokenRejected      = errors.New("token exchange rejected")
)

// LoginData is the successful login payload.
type LoginData struct {
	Serial string `json:"Sernum"`
	Token  string `json:"token"`
}

// IoTCredentials is the SigV4 triplet for the IoT broker. The triplet is
// either fully present or fully absent.
type IoTCredentials struct {
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	SessionToken    string `json:"Token"`
}

func (c IoTCredentials) Complete() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.SessionToken != ""
}

// RobotDetails is the enrichment record from getrobotdetailsbymusn.
type RobotDetails struct {
	SerialNumber     string `json:"SERNUM"`
	PartName         string `json:"PARTNAME"`
	PartDescription  string `json:"PARTDES"`
	AppName          string `json:"AppName"`
	RegistrationDate string `json:"RegDate"`
	RobotName        string `json:"MyRobotName"`

	Raw map[string]any `json:"-"`
}

// IsM700Family reports whether the unit supports the temperature dynamic
// request.
func (d RobotDetails) IsM700Family() bool {
	name := strings.ToUpper(d.AppName + " " + d.PartName + " " + d.PartDescription)
	return strings.Contains(name, "M700")
}

type apiEnvelope struct {
	Data   json.RawMessage `json:"Data"`
	Status string          `json:"Status"`
	Alert  any             `json:"Alert"`
}

// Client talks to the vendor HTTPS API. Every request carries the fixed
// appkey header; calls after Login also carry the login token.
type Client struct {
	base string
	http *http.Client
	log  *zap.Logger

	token string
}

func NewClient(baseURL string, log *zap.Logger) *Client {
	return &Client{
		base: strings.TrimSuffix(baseURL, "/") + "/",
		http: &http.Client{Timeout: requestTimeout},
		log:  log.Named("rest"),
	}
}

// Login establishes the session token. An envelope without Data means the
// credential set is invalid.
func (c *Client) Login(ctx context.Context, email, password string) (LoginData, error) {
	env, err := c.postForm(ctx, loginPath, url.Values{
		"Email":    {email},
		"Password": {password},
	})
	if err != nil {
		return LoginData{}, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return LoginData{}, ErrInvalidCredentials
	}
	var data LoginData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return LoginData{}, fmt.Errorf("parse login data: %w", err)
	}
	if data.Token == "" || data.Serial == "" {
		return LoginData{}, ErrInvalidCredentials
	}
	c.token = data.Token
	c.log.Info("login ok")
	return data, nil
}

// MotorUnitSerial resolves the device serial to the motor-unit serial, the
// canonical identity for the topic plan.
func (c *Client) MotorUnitSerial(ctx context.Context, deviceSerial string) (string, error) {
	env, err := c.postForm(ctx, robotBySerialPath, url.Values{"Sernum": {deviceSerial}})
	if err != nil {
		return "", err
	}
	var data struct {
		MotorUnitSerial string `json:"eSERNUM"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("parse robot details: %w", err)
	}
	if data.MotorUnitSerial == "" {
		return "", fmt.Errorf("robot details missing eSERNUM")
	}
	return data.MotorUnitSerial, nil
}

// ExchangeToken trades the encrypted serial for IoT credentials. A "0"
// status means the vendor rejected the encrypted serial; the caller clears
// its cache and regenerates.
func (c *Client) ExchangeToken(ctx context.Context, encryptedSerial string) (IoTCredentials, error) {
	env, err := c.postForm(ctx, tokenPath, url.Values{"Sernum": {encryptedSerial}})
	if err != nil {
		return IoTCredentials{}, err
	}
	if env.Status == "0" {
		return IoTCredentials{}, ErrTokenRejected
	}
	var creds IoTCredentials
	if err := json.Unmarshal(env.Data, &creds); err != nil {
		return IoTCredentials{}, fmt.Errorf("parse token data: %w", err)
	}
	if !creds.Complete() {
		return IoTCredentials{}, fmt.Errorf("incomplete credential triplet")
	}
	return creds, nil
}

// RobotDetails fetches the enrichment record for the motor-unit serial.
func (c *Client) RobotDetails(ctx context.Context, motorUnitSerial string) (RobotDetails, error) {
	env, err := c.postForm(ctx, robotByMUSPath, url.Values{"Sernum": {motorUnitSerial}})
	if err != nil {
		return RobotDetails{}, err
	}
	var details RobotDetails
	if err := json.Unmarshal(env.Data, &details); err != nil {
		return RobotDetails{}, fmt.Errorf("parse robot details: %w", err)
	}
	_ = json.Unmarshal(env.Data, &details.Raw)
	return details, nil
}

// EmailExists is part of the auxiliary password-reset flow.
func (c *Client) EmailExists(ctx context.Context, email string) (bool, error) {
	env, err := c.postForm(ctx, emailExistsPath, url.Values{"Email": {email}})
	if err != nil {
		return false, err
	}
	return env.Status == "1", nil
}

// ForgotPassword triggers the vendor's password-reset email.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	_, err := c.postForm(ctx, forgotPath, url.Values{"Email": {email}})
	return err
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) (apiEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return apiEnvelope{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("appkey", appKey)
	if c.token != "" {
		req.Header.Set("token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apiEnvelope{}, fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apiEnvelope{}, fmt.Errorf("%s: %w", path, ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		return apiEnvelope{}, fmt.Errorf("%s: %w", path, ErrEndpointNotFound)
	case resp.StatusCode != http.StatusOK:
		return apiEnvelope{}, fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiEnvelope{}, fmt.Errorf("%s: read body: %w", path, err)
	}
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return apiEnvelope{}, fmt.Errorf("%s: parse envelope: %w", path, err)
	}
	return env, nil
}
