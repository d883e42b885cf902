package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RemoteClassifier delegates inference to an HTTP model server that exposes
// POST /predict, POST /predict_proba and GET /health.
type RemoteClassifier struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	nFeatures  int
	nClasses   int
}

type remoteRequest struct {
	Features     []float64 `json:"features"`
	FeatureNames []string  `json:"feature_names"`
}

type remotePredictResponse struct {
	Label *int `json:"label"`
}

type remoteProbaResponse struct {
	Probabilities []float64 `json:"probabilities"`
}

// NewRemoteClassifier checks the model server's health before returning, so a
// bundle pointing at an unreachable server fails to load.
func NewRemoteClassifier(ctx context.Context, baseURL string, timeout time.Duration, nFeatures, nClasses int, logger *zap.Logger) (*RemoteClassifier, error) {
	if baseURL == "" {
		return nil, errors.New("remote classifier needs a url")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &RemoteClassifier{
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger,
		nFeatures: nFeatures,
		nClasses:  nClasses,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}

	if err := c.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RemoteClassifier) Kind() string {
	return KindRemote
}

func (c *RemoteClassifier) Classes() []int {
	return classRange(c.nClasses)
}

func (c *RemoteClassifier) Predict(ctx context.Context, x FeatureVector) (int, error) {
	var resp remotePredictResponse
	if err := c.post(ctx, "/predict", x, &resp); err != nil {
		return 0, err
	}
	if resp.Label == nil {
		return 0, errors.New("model server response has no label")
	}
	return *resp.Label, nil
}

func (c *RemoteClassifier) PredictProba(ctx context.Context, x FeatureVector) ([]float64, error) {
	var resp remoteProbaResponse
	if err := c.post(ctx, "/predict_proba", x, &resp); err != nil {
		return nil, err
	}
	if len(resp.Probabilities) != c.nClasses {
		return nil, errors.WithStack(fmt.Errorf("%w: model server returned %d probabilities, want %d",
			ErrShapeMismatch, len(resp.Probabilities), c.nClasses))
	}
	return resp.Probabilities, nil
}

// PredictWithProba makes a single /predict_proba call and takes the label
// as the most probable class, so both come from the same response.
func (c *RemoteClassifier) PredictWithProba(ctx context.Context, x FeatureVector) (int, []float64, error) {
	proba, err := c.PredictProba(ctx, x)
	if err != nil {
		return 0, nil, err
	}
	return argmax(proba), proba, nil
}

func (c *RemoteClassifier) post(ctx context.Context, path string, x FeatureVector, dest interface{}) error {
	if len(x.Values) != c.nFeatures {
		return errors.WithStack(fmt.Errorf("%w: model server expects %d features, got %d",
			ErrShapeMismatch, c.nFeatures, len(x.Values)))
	}

	requestData, err := json.Marshal(remoteRequest{Features: x.Values, FeatureNames: x.Names})
	if err != nil {
		return errors.Wrap(err, "failed to marshal request")
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(requestData))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "crash-severity/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return errors.Wrap(err, "model server request failed")
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return errors.Errorf("model server error (status %d): %s", response.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(response.Body).Decode(dest); err != nil {
		return errors.Wrap(err, "failed to decode model server response")
	}

	c.logger.Debug("Model server call completed", zap.String("path", path))
	return nil
}

func (c *RemoteClassifier) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "health check failed")
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check failed")
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return errors.Errorf("model server unhealthy (status %d)", response.StatusCode)
	}
	return nil
}

func (c *RemoteClassifier) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
