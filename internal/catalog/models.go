package catalog

// Freshness records how a result was served. It never appears in the JSON
// body.
type Freshness struct {
	Cached bool `json:"-"` // answered from the response cache
	Stale  bool `json:"-"` // expired copy served after an upstream failure
}

// Served returns the freshness of the result.
func (f Freshness) Served() Freshness { return f }

// Genre is a named category.
type Genre struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// CastMember appears in credits.
type CastMember struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Character   string `json:"character,omitempty"`
	ProfilePath string `json:"profile_path,omitempty"`
	Order       int    `json:"order"`
}

// Credits lists the cast of a title.
type Credits struct {
	Cast []CastMember `json:"cast"`
}

// Video is a trailer or clip.
type Video struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Site string `json:"site"`
	Type string `json:"type"`
}

// Videos wraps the appended video list.
type Videos struct {
	Results []Video `json:"results"`
}

// Movie holds movie details.
type Movie struct {
	Freshness
	ID           int      `json:"id"`
	Title        string   `json:"title"`
	Overview     string   `json:"overview"`
	Tagline      string   `json:"tagline,omitempty"`
	ReleaseDate  string   `json:"release_date,omitempty"`
	Runtime      int      `json:"runtime,omitempty"`
	PosterPath   string   `json:"poster_path,omitempty"`
	BackdropPath string   `json:"backdrop_path,omitempty"`
	VoteAverage  float64  `json:"vote_average"`
	VoteCount    int      `json:"vote_count"`
	Popularity   float64  `json:"popularity"`
	Genres       []Genre  `json:"genres,omitempty"`
	Credits      *Credits `json:"credits,omitempty"`
	Videos       *Videos  `json:"videos,omitempty"`
}

// TVShow holds TV show details.
type TVShow struct {
	Freshness
	ID               int      `json:"id"`
	Name             string   `json:"name"`
	Overview         string   `json:"overview"`
	FirstAirDate     string   `json:"first_air_date,omitempty"`
	NumberOfSeasons  int      `json:"number_of_seasons,omitempty"`
	NumberOfEpisodes int      `json:"number_of_episodes,omitempty"`
	PosterPath       string   `json:"poster_path,omitempty"`
	BackdropPath     string   `json:"backdrop_path,omitempty"`
	VoteAverage      float64  `json:"vote_average"`
	VoteCount        int      `json:"vote_count"`
	Popularity       float64  `json:"popularity"`
	Genres           []Genre  `json:"genres,omitempty"`
	Credits          *Credits `json:"credits,omitempty"`
	Videos           *Videos  `json:"videos,omitempty"`
}

// MediaItem is one entry of a search or trending list.
type MediaItem struct {
	ID           int     `json:"id"`
	MediaType    string  `json:"media_type,omitempty"`
	Title        string  `json:"title,omitempty"`
	Name         string  `json:"name,omitempty"`
	Overview     string  `json:"overview,omitempty"`
	PosterPath   string  `json:"poster_path,omitempty"`
	ProfilePath  string  `json:"profile_path,omitempty"`
	ReleaseDate  string  `json:"release_date,omitempty"`
	FirstAirDate string  `json:"first_air_date,omitempty"`
	VoteAverage  float64 `json:"vote_average,omitempty"`
	Popularity   float64 `json:"popularity,omitempty"`
}

// DisplayTitle returns Title for movies and Name for shows and people.
func (m MediaItem) DisplayTitle() string {
	if m.Title != "" {
		return m.Title
	}
	return m.Name
}

// Page is a paginated list.
type Page[T any] struct {
	Freshness
	Page         int `json:"page"`
	Results      []T `json:"results"`
	TotalPages   int `json:"total_pages"`
	TotalResults int `json:"total_results"`
}
