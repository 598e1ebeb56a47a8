package domain

// MediaKind is the media type of a produced or consumed track.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// ProducerInfo is the discovery view of a live producer, handed to newly
// joined users so they know what is already being published.
type ProducerInfo struct {
	ProducerID ProducerID `json:"producerId"`
	UserID     UserID     `json:"userId"`
	Kind       MediaKind  `json:"kind"`
}
