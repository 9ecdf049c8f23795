// Package resources declares the sample resource schemas (articles, users,
// tags, companies, employees, comments, and the article_tags pivot) that
// back the runnable example server under cmd/relapiserver. They exercise
// every relationship kind the Schema Compiler supports: belongsTo (article
// to author), hasMany-through (article to tags via article_tags), a
// polymorphic owner link (comments to articles or employees), and a
// self-referential belongsTo (employee to manager) deep enough to probe
// the include-depth limit (author.company.employees.manager).
package resources

import (
	"strings"

	"github.com/relapi/engine/pkg/engine"
)

// Register compiles every sample resource into reg. Call once at startup,
// before any request is served.
func Register(reg *engine.Registry) error {
	for _, r := range []*engine.Resource{
		newUsers(),
		newCompanies(),
		newEmployees(),
		newTags(),
		newArticles(),
		newArticleTags(),
		newComments(),
	} {
		if _, err := reg.Compile(r); err != nil {
			return err
		}
	}
	return nil
}

func newUsers() *engine.Resource {
	r := engine.NewResource("users")
	r.AddField(&engine.Field{Name: "name", Kind: "string", Searchable: true,
		Validate: []engine.ValidationRule{{Rule: "required"}, {Rule: "max_length", Arg: 200}}})
	r.AddField(&engine.Field{Name: "email", Kind: "string",
		Validate: []engine.ValidationRule{{Rule: "required"}}})
	r.AddField(&engine.Field{Name: "company_id", Kind: "int", Nullable: true})
	r.AddRelationship(&engine.Relationship{
		Name: "company", Kind: engine.BelongsTo, Target: "companies", ForeignKey: "company_id",
	})
	r.AddField(&engine.Field{
		Name: "display_name", Virtual: true, Computed: true, DependsOn: []string{"name", "email"},
		Compute: func(rec map[string]any) (any, error) {
			name, _ := rec["name"].(string)
			email, _ := rec["email"].(string)
			if name == "" {
				return email, nil
			}
			return name + " <" + email + ">", nil
		},
	})
	return r
}

func newCompanies() *engine.Resource {
	r := engine.NewResource("companies")
	r.AddField(&engine.Field{Name: "name", Kind: "string", Searchable: true,
		Validate: []engine.ValidationRule{{Rule: "required"}}})
	r.AddRelationship(&engine.Relationship{
		Name: "employees", Kind: engine.HasMany, Target: "employees", ForeignKey: "company_id",
	})
	return r
}

// employees is distinct from users: it models a company's org chart,
// including a self-referential manager link, so that
// author.company.employees.manager exercises a fourth include level.
func newEmployees() *engine.Resource {
	r := engine.NewResource("employees")
	r.AddField(&engine.Field{Name: "full_name", Kind: "string", Searchable: true,
		Validate: []engine.ValidationRule{{Rule: "required"}}})
	r.AddField(&engine.Field{Name: "company_id", Kind: "int"})
	r.AddField(&engine.Field{Name: "manager_id", Kind: "int", Nullable: true})
	r.AddRelationship(&engine.Relationship{
		Name: "company", Kind: engine.BelongsTo, Target: "companies", ForeignKey: "company_id",
	})
	r.AddRelationship(&engine.Relationship{
		Name: "manager", Kind: engine.BelongsTo, Target: "employees", ForeignKey: "manager_id",
	})
	return r
}

func newTags() *engine.Resource {
	r := engine.NewResource("tags")
	r.AddField(&engine.Field{Name: "label", Kind: "string", Searchable: true,
		Validate: []engine.ValidationRule{{Rule: "required"}}})
	r.AddRelationship(&engine.Relationship{
		Name: "articles", Kind: engine.HasManyThrough, Target: "articles",
		Through: "article_tags", PivotThisKey: "tag_id", PivotOtherKey: "article_id",
	})
	return r
}

func newArticles() *engine.Resource {
	r := engine.NewResource("articles")
	r.AddField(&engine.Field{Name: "title", Kind: "string", Searchable: true,
		Validate: []engine.ValidationRule{{Rule: "required"}, {Rule: "max_length", Arg: 500}}})
	r.AddField(&engine.Field{Name: "body", Kind: "string",
		Validate: []engine.ValidationRule{{Rule: "required"}}})
	r.AddField(&engine.Field{Name: "author_id", Kind: "int"})
	r.AddRelationship(&engine.Relationship{
		Name: "author", Kind: engine.BelongsTo, Target: "users", ForeignKey: "author_id",
	})
	r.AddRelationship(&engine.Relationship{
		Name: "tags", Kind: engine.HasManyThrough, Target: "tags",
		Through: "article_tags", PivotThisKey: "article_id", PivotOtherKey: "tag_id",
	})
	r.AddRelationship(&engine.Relationship{
		Name: "comments", Kind: engine.HasManyViaPolymorphic, Target: "comments",
		TypeField: "owner_type", IDField: "owner_id",
		Types: []string{"articles", "employees"},
	})
	r.AddField(&engine.Field{
		Name: "slug", Virtual: true, Computed: true, DependsOn: []string{"title"},
		Compute: func(rec map[string]any) (any, error) {
			title, _ := rec["title"].(string)
			return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(title), " ", "-")), nil
		},
	})
	return r
}

// newComments attaches a comment to either an article or an employee
// through a polymorphic owner link restricted to those two types.
func newComments() *engine.Resource {
	r := engine.NewResource("comments")
	r.AddField(&engine.Field{Name: "message", Kind: "string",
		Validate: []engine.ValidationRule{{Rule: "required"}}})
	r.AddField(&engine.Field{Name: "owner_type", Kind: "string"})
	r.AddField(&engine.Field{Name: "owner_id", Kind: "int"})
	r.AddRelationship(&engine.Relationship{
		Name: "owner", Kind: engine.BelongsToPolymorphic,
		Types: []string{"articles", "employees"}, TypeField: "owner_type", IDField: "owner_id",
	})
	return r
}

// newArticleTags is the pivot resource for the articles<->tags many-to-many,
// carrying a display_order column that the preserving sync must retain for
// any pivot row it keeps across a PATCH.
func newArticleTags() *engine.Resource {
	r := engine.NewResource("article_tags")
	r.AddField(&engine.Field{Name: "article_id", Kind: "int"})
	r.AddField(&engine.Field{Name: "tag_id", Kind: "int"})
	r.AddField(&engine.Field{Name: "display_order", Kind: "int", Nullable: true})
	return r
}
