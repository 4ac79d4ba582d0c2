package transfer

import "encoding/json"

// Control message types carried as string frames on the data channel.
const ControlMetadata = "metadata"

// Metadata announces the file that the following binary frames belong
// to. It is sent as a UTF-8 JSON string frame.
type Metadata struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime"`
}

func encodeMetadata(name, mime string, size int64) ([]byte, error) {
	return json.Marshal(Metadata{
		Type: ControlMetadata,
		Name: name,
		Size: size,
		Mime: mime,
	})
}

func decodeControl(data []byte) (*Metadata, error) {
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
