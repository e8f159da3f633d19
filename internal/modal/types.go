// Package modal provides an HTTP client for the Modal web endpoint that
// runs the portrait animation model on serverless GPUs.
package modal

// runRequest is the JSON body posted to the web endpoint.
type runRequest struct {
	Preset             string `json:"preset"`
	ImageBase64        string `json:"image_base64"`
	DrivingVideoBase64 string `json:"driving_video_base64,omitempty"`
}

// runResponse is the JSON body returned by the web endpoint.
type runResponse struct {
	VideoBase64 string `json:"video_base64,omitempty"`
	Error       string `json:"error,omitempty"`
}
