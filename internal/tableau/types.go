package tableau

// Workbook is a published workbook.
type Workbook struct {
	LUID        string `json:"luid"`
	Name        string `json:"name"`
	ProjectName string `json:"project_name,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	ContentURL  string `json:"content_url,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// View is a sheet or dashboard inside a workbook.
type View struct {
	LUID       string `json:"luid"`
	Name       string `json:"name"`
	WorkbookID string `json:"workbook_id,omitempty"`
	ContentURL string `json:"content_url,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
}

// Datasource is a published datasource.
type Datasource struct {
	LUID           string `json:"luid"`
	Name           string `json:"name"`
	ProjectName    string `json:"project_name,omitempty"`
	DatasourceType string `json:"datasource_type,omitempty"`
	HasExtracts    bool   `json:"has_extracts"`
	ContentURL     string `json:"content_url,omitempty"`
}

// SearchResult groups matching assets by type.
type SearchResult struct {
	Workbooks   []Workbook   `json:"workbooks"`
	Views       []View       `json:"views"`
	Datasources []Datasource `json:"datasources"`
}

// Total is the number of assets across all types.
func (r *SearchResult) Total() int {
	return len(r.Workbooks) + len(r.Views) + len(r.Datasources)
}

type ViewRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Connection describes a workbook data connection.
type Connection struct {
	ID            string `json:"id"`
	Type          string `json:"connection_type"`
	ServerAddress string `json:"server_address,omitempty"`
	ServerPort    string `json:"server_port,omitempty"`
	Username      string `json:"username,omitempty"`
}

// WorkbookDetail is a workbook with its views and connections.
type WorkbookDetail struct {
	Workbook
	Views       []ViewRef    `json:"views"`
	Connections []Connection `json:"connections"`
}

// REST payload shapes.

type workbookJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ContentURL string `json:"contentUrl"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
	Project    struct {
		Name string `json:"name"`
	} `json:"project"`
	Owner struct {
		ID string `json:"id"`
	} `json:"owner"`
}

func (w workbookJSON) toWorkbook() Workbook {
	return Workbook{
		LUID:        w.ID,
		Name:        w.Name,
		ProjectName: w.Project.Name,
		OwnerID:     w.Owner.ID,
		ContentURL:  w.ContentURL,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

type viewJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ContentURL string `json:"contentUrl"`
	Workbook   struct {
		ID string `json:"id"`
	} `json:"workbook"`
	Owner struct {
		ID string `json:"id"`
	} `json:"owner"`
}

func (v viewJSON) toView() View {
	return View{LUID: v.ID, Name: v.Name, WorkbookID: v.Workbook.ID, ContentURL: v.ContentURL, OwnerID: v.Owner.ID}
}

type datasourceJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentURL  string `json:"contentUrl"`
	Type        string `json:"type"`
	HasExtracts bool   `json:"hasExtracts"`
	Project     struct {
		Name string `json:"name"`
	} `json:"project"`
}

func (d datasourceJSON) toDatasource() Datasource {
	return Datasource{
		LUID:           d.ID,
		Name:           d.Name,
		ProjectName:    d.Project.Name,
		DatasourceType: d.Type,
		HasExtracts:    d.HasExtracts,
		ContentURL:     d.ContentURL,
	}
}

type connectionJSON struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	ServerAddress string `json:"serverAddress"`
	ServerPort    string `json:"serverPort"`
	UserName      string `json:"userName"`
}

func (c connectionJSON) toConnection() Connection {
	return Connection{ID: c.ID, Type: c.Type, ServerAddress: c.ServerAddress, ServerPort: c.ServerPort, Username: c.UserName}
}
